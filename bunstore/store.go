// Package bunstore provides crudkit providers backed by bun and PostgreSQL.
//
// Each entity maps to one table whose columns carry the entity's field
// names. To-one relations are plain foreign key columns; to-many relations
// live in join tables declared per field.
//
//	store, err := bunstore.Open(databaseURL, registry)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	registry.DefineEntity("Task").
//	    Provider(store.Register("Task", bunstore.Table{
//	        Name: "tasks",
//	        JoinTables: map[string]bunstore.JoinTable{
//	            "tags": {Name: "task_tags", OwnerColumn: "task_id", MemberColumn: "tag_id"},
//	        },
//	    })).
//	    ToMany("tags", "Tag")
package bunstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fernandezvara/crudkit"
	"github.com/fernandezvara/dbkit"
	"github.com/uptrace/bun"
)

// Table maps an entity to its table.
type Table struct {
	Name string

	// JoinTables maps to-many fields to the join table holding them.
	JoinTables map[string]JoinTable
}

// JoinTable describes a many-to-many join table.
type JoinTable struct {
	Name         string
	OwnerColumn  string
	MemberColumn string
}

// Store owns the database handle shared by every provider it registers.
type Store struct {
	db       *bun.DB
	kit      *dbkit.DBKit
	registry *crudkit.Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	tables map[string]Table
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open connects through dbkit and returns a Store over the connection.
func Open(databaseURL string, registry *crudkit.Registry, opts ...Option) (*Store, error) {
	kit, err := dbkit.New(dbkit.Config{URL: databaseURL})
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", crudkit.ErrConfiguration, err)
	}
	s := New(kit.Bun(), registry, opts...)
	s.kit = kit
	return s, nil
}

// New returns a Store over an existing bun handle.
func New(db *bun.DB, registry *crudkit.Registry, opts ...Option) *Store {
	s := &Store{
		db:       db,
		registry: registry,
		logger:   slog.Default(),
		tables:   make(map[string]Table),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the bun handle.
func (s *Store) DB() *bun.DB { return s.db }

// Register maps entity to table and returns its provider.
func (s *Store) Register(entity string, table Table) *Provider {
	if table.Name == "" {
		table.Name = entity
	}
	s.mu.Lock()
	s.tables[entity] = table
	s.mu.Unlock()
	return &Provider{store: s, entity: entity}
}

// Transactor returns the transactor for this store.
func (s *Store) Transactor() *Transactor {
	return &Transactor{store: s}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.kit != nil {
		return s.kit.Close()
	}
	return s.db.Close()
}

func (s *Store) table(entity string) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[entity]
	if !ok {
		return Table{}, crudkit.Errorf(crudkit.ErrNoProvider, "entity %q has no table", entity).WithEntity(entity)
	}
	return t, nil
}

// idb returns the open transaction of ctx, or the database handle.
func (s *Store) idb(ctx context.Context) bun.IDB {
	if tx, ok := ctx.Value(txKey{}).(bun.Tx); ok {
		return tx
	}
	return s.db
}

// Health performs a health check of the database connection. Stores built
// with New only report reachability.
func (s *Store) Health(ctx context.Context) dbkit.HealthStatus {
	if s.kit != nil {
		return s.kit.Health(ctx)
	}
	err := s.Ping(ctx)
	status := dbkit.HealthStatus{Healthy: err == nil}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// IsHealthy reports whether the database is reachable.
func (s *Store) IsHealthy(ctx context.Context) bool {
	if s.kit != nil {
		return s.kit.IsHealthy(ctx)
	}
	return s.Ping(ctx) == nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PoolStats returns connection pool statistics.
func (s *Store) PoolStats() dbkit.PoolStats {
	return dbkit.PoolStatsFromSQL(s.db.Stats())
}

// Migrate applies migrations through dbkit. It requires a Store built with
// Open.
func (s *Store) Migrate(ctx context.Context, migrations ...dbkit.Migration) error {
	if s.kit == nil {
		return crudkit.Errorf(crudkit.ErrConfiguration, "migrations require a store opened with bunstore.Open")
	}
	result, err := s.kit.Migrate(ctx, migrations)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, m := range result.Applied {
		s.logger.InfoContext(ctx, "bunstore: applied migration", "id", m.ID)
	}
	return nil
}

// JoinTableMigrations returns one migration per registered join table.
// Member and owner columns are TEXT; hosts with typed keys write their own.
func (s *Store) JoinTableMigrations(prefix string) []dbkit.Migration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []dbkit.Migration
	for _, entity := range sortedKeys(s.tables) {
		t := s.tables[entity]
		for _, field := range sortedKeys(t.JoinTables) {
			jt := t.JoinTables[field]
			out = append(out, dbkit.Migration{
				ID:          fmt.Sprintf("%s-%s-%s", prefix, t.Name, field),
				Description: fmt.Sprintf("Create %s join table", jt.Name),
				SQL: fmt.Sprintf(`
                CREATE TABLE IF NOT EXISTS %[1]s (
                    %[2]s TEXT NOT NULL,
                    %[3]s TEXT NOT NULL,
                    PRIMARY KEY (%[2]s, %[3]s)
                )`, jt.Name, jt.OwnerColumn, jt.MemberColumn),
			})
		}
	}
	return out
}
