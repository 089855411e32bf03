package crudkit

import (
	"context"
	"log/slog"
)

// Engine wires the registry, authorization, batch loading, query and
// persistence layers together and hands out per-entity resolvers.
//
// Example:
//
//	registry := crudkit.NewRegistry()
//	// ... define entities ...
//	store := crudkit.NewMemoryStore(registry)
//	engine, err := crudkit.NewEngine(registry,
//	    crudkit.WithAdminRole("admin"),
//	    crudkit.WithTransactor(store.Transactor()),
//	)
type Engine struct {
	registry   *Registry
	authorizer *Authorizer
	queries    *QueryManager
	tx         *TxManager
	transactor Transactor
	logger     *slog.Logger
	config     Config

	resolvers map[string]*Resolver
	mutations map[string]*MutationResolver
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig replaces the engine settings.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithAdminRole sets the administrator role name.
func WithAdminRole(role string) Option {
	return func(e *Engine) {
		e.config.AdminRole = role
	}
}

// WithTransactor sets the backend used to open transactions.
func WithTransactor(t Transactor) Option {
	return func(e *Engine) {
		e.transactor = t
	}
}

// NewEngine validates and seals the registry and builds one resolver per
// entity. Read-only entities get no mutation resolver.
func NewEngine(registry *Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		registry:  registry,
		logger:    slog.Default(),
		config:    DefaultConfig(),
		resolvers: make(map[string]*Resolver),
		mutations: make(map[string]*MutationResolver),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	authorizer, err := NewAuthorizer(e.config.AdminRole)
	if err != nil {
		return nil, err
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	if e.transactor == nil {
		return nil, Errorf(ErrConfiguration, "no transactor configured")
	}
	registry.Seal()

	e.authorizer = authorizer
	e.queries = NewQueryManager(registry, e.logger)
	e.tx = NewTxManager(e.transactor, e.logger)

	for _, name := range registry.Entities() {
		def, _ := registry.Entity(name)
		e.resolvers[name] = &Resolver{engine: e, def: def}
		if !def.readOnly {
			e.mutations[name] = &MutationResolver{Resolver: e.resolvers[name]}
		}
	}

	e.logger.Debug("crudkit: engine ready",
		"entities", len(e.resolvers), "mutable", len(e.mutations), "admin_role", e.config.AdminRole)
	return e, nil
}

// Registry returns the entity registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Authorizer returns the ACL consolidator.
func (e *Engine) Authorizer() *Authorizer { return e.authorizer }

// Queries returns the query manager.
func (e *Engine) Queries() *QueryManager { return e.queries }

// Transactions returns the transaction manager.
func (e *Engine) Transactions() *TxManager { return e.tx }

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.config }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Resolver returns the read resolver of an entity.
func (e *Engine) Resolver(entity string) (*Resolver, error) {
	r, ok := e.resolvers[entity]
	if !ok {
		return nil, Errorf(ErrUnknownEntity, "entity %q is not defined", entity).WithEntity(entity)
	}
	return r, nil
}

// MutationResolver returns the write resolver of an entity. Read-only
// entities have none.
func (e *Engine) MutationResolver(entity string) (*MutationResolver, error) {
	if _, err := e.Resolver(entity); err != nil {
		return nil, err
	}
	m, ok := e.mutations[entity]
	if !ok {
		return nil, Errorf(ErrReadOnly, "entity %q has no mutations", entity).WithEntity(entity)
	}
	return m, nil
}

// NewLoader creates a request-scoped loader with the configured batching.
func (e *Engine) NewLoader() *Loader {
	opts := append(e.config.LoaderOptions(), WithLoaderLogger(e.logger))
	return NewLoader(e.registry, opts...)
}

// NewChecker creates a checker for an authorization context.
func (e *Engine) NewChecker(ac *AuthContext) *Checker {
	return NewChecker(ac, e.registry, e.authorizer)
}

// Scope attaches a fresh request scope to ctx: the authorization context, a
// checker over it and a new loader. The returned release function clears
// both and must be called when the request ends.
func (e *Engine) Scope(ctx context.Context, ac *AuthContext) (context.Context, func()) {
	loader := e.NewLoader()
	ctx = WithAuthContext(ctx, ac)
	ctx = WithChecker(ctx, e.NewChecker(ac))
	ctx = WithLoader(ctx, loader)
	return ctx, func() {
		loader.ClearCache()
		ac.Clear()
	}
}

// checker returns the request checker, building one when the context only
// carries an AuthContext.
func (e *Engine) checker(ctx context.Context) (*Checker, error) {
	ac := GetAuthContext(ctx)
	if c := GetChecker(ctx); c != nil && (ac == nil || c.AuthContext() == ac) {
		return c, nil
	}
	if ac == nil {
		return nil, ErrNoAuthContext
	}
	return e.NewChecker(ac), nil
}

// loader returns the request loader, or a throwaway one outside a request
// scope.
func (e *Engine) loader(ctx context.Context) *Loader {
	if l := GetLoader(ctx); l != nil {
		return l
	}
	return e.NewLoader()
}

func (e *Engine) readTx() TxOptions {
	level, _ := e.config.IsolationLevel()
	return TxOptions{Isolation: level, ReadOnly: true}
}

func (e *Engine) writeTx() TxOptions {
	level, _ := e.config.IsolationLevel()
	return TxOptions{Isolation: level}
}

// fail logs authorization failures with their detail and returns them
// normalized. Other errors pass through.
func (e *Engine) fail(ctx context.Context, entity string, op Operation, err error) error {
	if err == nil {
		return nil
	}
	if IsForbidden(err) {
		e.logger.DebugContext(ctx, "crudkit: forbidden",
			"entity", entity, "operation", string(op), "request_id", GetRequestID(ctx), "error", err)
		return normalizeAuthError(err)
	}
	return err
}
