package crudkit

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// DefaultLoaderWait is the batch window of a Loader built without WithWait.
const DefaultLoaderWait = 2 * time.Millisecond

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithWait sets how long a batch window stays open after its first key.
// Zero disables the window: a batch flushes as soon as any of its thunks is
// resolved, so only keys enqueued before that point share a provider call.
// Concurrent LoadOne callers then mostly miss each other.
func WithWait(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.wait = d
	}
}

// WithMaxBatch caps the number of keys in one batch. Zero means no cap.
func WithMaxBatch(n int) LoaderOption {
	return func(l *Loader) {
		l.maxBatch = n
	}
}

// WithLoaderLogger sets the logger used for batch flush debug output.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Loader is the request-scoped batch loader. It coalesces entity loads into
// one provider call per batch window and caches resolved keys until
// ClearCache is called.
//
// A Loader must not be shared across requests.
type Loader struct {
	registry *Registry
	wait     time.Duration
	maxBatch int
	logger   *slog.Logger

	mu        sync.Mutex
	byID      map[string]*batcher[Entity]
	byRelated map[string]*batcher[[]Entity]
}

// NewLoader creates a Loader reading providers from registry.
func NewLoader(registry *Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		registry:  registry,
		wait:      DefaultLoaderWait,
		logger:    slog.Default(),
		byID:      make(map[string]*batcher[Entity]),
		byRelated: make(map[string]*batcher[[]Entity]),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadOne loads one entity by primary key. It returns nil when no row
// matches.
func (l *Loader) LoadOne(ctx context.Context, entity string, id any) (Entity, error) {
	return l.LoadOneThunk(ctx, entity, id, nil)()
}

// LoadOneFiltered loads one entity by primary key, restricted to rows
// matching filter.
func (l *Loader) LoadOneFiltered(ctx context.Context, entity string, id any, filter Filter) (Entity, error) {
	return l.LoadOneThunk(ctx, entity, id, filter)()
}

// LoadOneThunk enqueues a primary key load and returns without waiting.
// Every key enqueued for the same entity and filter in one batch window is
// fetched with a single provider Find.
func (l *Loader) LoadOneThunk(ctx context.Context, entity string, id any, filter Filter) Thunk[Entity] {
	def, provider, err := l.lookup(entity)
	if err != nil {
		return failed[Entity](err)
	}
	if def.HasCompositeKey() {
		return failed[Entity](Errorf(ErrCompositeKey, "cannot batch load by composite key").WithEntity(entity))
	}
	fp, err := fingerprint(filter)
	if err != nil {
		return failed[Entity](err)
	}

	pk := def.PrimaryKeyField()
	b := l.idBatcher(entity+"|"+fp, func(ctx context.Context, ids []any) ([]Entity, error) {
		keys := make([]Filter, len(ids))
		for i, id := range ids {
			keys[i] = Filter{pk: id}
		}
		rows, err := provider.Find(ctx, AndFilters(Filter{KeyOr: keys}, filter), nil)
		if err != nil {
			return nil, err
		}
		l.logger.DebugContext(ctx, "crudkit: batch load", "entity", entity, "keys", len(ids), "rows", len(rows))

		wanted := make([]string, len(ids))
		for i, id := range ids {
			wanted[i] = KeyString(id)
		}
		return OrderByKeys(wanted, rows, func(r Entity) string { return KeyString(r[pk]) }), nil
	})
	return b.load(ctx, id)
}

// LoadByRelatedID loads the rows of entity whose relatedField references id.
// It never returns nil; a key with no rows yields an empty slice.
func (l *Loader) LoadByRelatedID(ctx context.Context, entity, relatedField string, id any, filter Filter) ([]Entity, error) {
	return l.LoadByRelatedIDThunk(ctx, entity, relatedField, id, filter)()
}

// LoadByRelatedIDThunk enqueues a related-rows load and returns without
// waiting. Loads sharing entity, field and filter in one batch window are
// fetched with a single provider FindByRelatedID.
//
// Rows are fanned out by the shape of their related value: a collection puts
// the row in every member's bucket, a single reference only in that one.
func (l *Loader) LoadByRelatedIDThunk(ctx context.Context, entity, relatedField string, id any, filter Filter) Thunk[[]Entity] {
	def, provider, err := l.lookup(entity)
	if err != nil {
		return failed[[]Entity](err)
	}
	fp, err := fingerprint(filter)
	if err != nil {
		return failed[[]Entity](err)
	}

	memberKey := DefaultPrimaryKey
	if field := def.GetField(relatedField); field != nil && field.IsRelation() {
		if target, err := l.registry.Entity(field.target); err == nil {
			if target.HasCompositeKey() {
				return failed[[]Entity](Errorf(ErrCompositeKey, "cannot batch load through %q", relatedField).
					WithEntity(entity).WithField(relatedField))
			}
			memberKey = target.PrimaryKeyField()
		}
	}

	b := l.relatedBatcher(entity+"|"+relatedField+"|"+fp, func(ctx context.Context, ids []any) ([][]Entity, error) {
		rows, err := provider.FindByRelatedID(ctx, entity, relatedField, ids, filter)
		if err != nil {
			return nil, err
		}
		l.logger.DebugContext(ctx, "crudkit: batch load related",
			"entity", entity, "field", relatedField, "keys", len(ids), "rows", len(rows))

		groups := make(map[string][]Entity)
		for _, row := range rows {
			value := row[relatedField]
			if provider.IsCollection(value) {
				seen := make(map[string]bool)
				for _, member := range collectionMembers(value, memberKey) {
					k := KeyString(member)
					if seen[k] {
						continue
					}
					seen[k] = true
					groups[k] = append(groups[k], row)
				}
				continue
			}
			k := KeyString(provider.GetRelatedEntityID(row, relatedField))
			groups[k] = append(groups[k], row)
		}

		wanted := make([]string, len(ids))
		for i, id := range ids {
			wanted[i] = KeyString(id)
		}
		return OrderGroupsByKeys(wanted, groups), nil
	})
	return b.load(ctx, id)
}

// Dispatch flushes every open batch window now. Batches for different
// entities are fetched concurrently. The first fetch error is returned; the
// thunks of each batch still report their own outcome.
func (l *Loader) Dispatch(ctx context.Context) error {
	l.mu.Lock()
	var pending []func() error
	for _, b := range l.byID {
		if p := b.detach(); p != nil {
			pending = append(pending, func() error { return p.run(p.ctx) })
		}
	}
	for _, b := range l.byRelated {
		if p := b.detach(); p != nil {
			pending = append(pending, func() error { return p.run(p.ctx) })
		}
	}
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	l.logger.DebugContext(ctx, "crudkit: dispatch", "batches", len(pending))

	var g errgroup.Group
	for _, run := range pending {
		g.Go(run)
	}
	return g.Wait()
}

// ClearCache drops every cached and queued key. The hosting pipeline must
// call it at each request boundary.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID = make(map[string]*batcher[Entity])
	l.byRelated = make(map[string]*batcher[[]Entity])
}

func (l *Loader) lookup(entity string) (*EntityDefinition, Provider, error) {
	def, err := l.registry.Entity(entity)
	if err != nil {
		return nil, nil, err
	}
	provider, err := l.registry.ProviderFor(entity)
	if err != nil {
		return nil, nil, err
	}
	return def, provider, nil
}

func (l *Loader) idBatcher(key string, fetch fetchFunc[Entity]) *batcher[Entity] {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byID[key]
	if !ok {
		b = newBatcher(fetch, l.wait, l.maxBatch)
		l.byID[key] = b
	}
	return b
}

func (l *Loader) relatedBatcher(key string, fetch fetchFunc[[]Entity]) *batcher[[]Entity] {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byRelated[key]
	if !ok {
		b = newBatcher(fetch, l.wait, l.maxBatch)
		l.byRelated[key] = b
	}
	return b
}

// fetchFunc loads a batch. The result must be aligned with keys.
type fetchFunc[V any] func(ctx context.Context, keys []any) ([]V, error)

// batcher owns the open batch window and the resolved-key cache for one
// loader key.
type batcher[V any] struct {
	fetch    fetchFunc[V]
	wait     time.Duration
	maxBatch int

	mu      sync.Mutex
	pending *batch[V]
	cache   map[string]slot[V]
}

type slot[V any] struct {
	b   *batch[V]
	pos int
}

type batch[V any] struct {
	owner *batcher[V]
	ctx   context.Context
	keys  []any
	index map[string]int
	timer *time.Timer

	once    sync.Once
	done    chan struct{}
	results []V
	err     error
}

func newBatcher[V any](fetch fetchFunc[V], wait time.Duration, maxBatch int) *batcher[V] {
	return &batcher[V]{
		fetch:    fetch,
		wait:     wait,
		maxBatch: maxBatch,
		cache:    make(map[string]slot[V]),
	}
}

func (b *batcher[V]) load(ctx context.Context, key any) Thunk[V] {
	k := KeyString(key)

	b.mu.Lock()
	if s, ok := b.cache[k]; ok {
		b.mu.Unlock()
		return s.thunk()
	}

	p := b.pending
	if p == nil {
		p = &batch[V]{
			owner: b,
			ctx:   context.WithoutCancel(ctx),
			index: make(map[string]int),
			done:  make(chan struct{}),
		}
		b.pending = p
		if b.wait > 0 {
			p.timer = time.AfterFunc(b.wait, func() { b.flush(p) })
		}
	}
	pos := len(p.keys)
	p.keys = append(p.keys, key)
	p.index[k] = pos
	s := slot[V]{b: p, pos: pos}
	b.cache[k] = s

	full := b.maxBatch > 0 && len(p.keys) >= b.maxBatch
	if full {
		b.pending = nil
	}
	b.mu.Unlock()

	if full {
		go p.run(p.ctx)
	}
	return s.thunk()
}

// detach closes the open window and returns it, or nil when none is open.
func (b *batcher[V]) detach() *batch[V] {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending
	b.pending = nil
	return p
}

// flush runs p if it is still the open window.
func (b *batcher[V]) flush(p *batch[V]) {
	b.mu.Lock()
	if b.pending == p {
		b.pending = nil
	}
	b.mu.Unlock()
	_ = p.run(p.ctx)
}

func (s slot[V]) thunk() Thunk[V] {
	return func() (V, error) {
		p := s.b
		if p.owner.wait == 0 {
			p.owner.flush(p)
		}
		<-p.done
		if p.err != nil {
			var zero V
			return zero, p.err
		}
		return p.results[s.pos], nil
	}
}

func (p *batch[V]) run(ctx context.Context) error {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		results, err := p.owner.fetch(ctx, p.keys)
		if err == nil && len(results) != len(p.keys) {
			err = fmt.Errorf("crudkit: batch returned %d results for %d keys", len(results), len(p.keys))
		}
		p.results, p.err = results, err
		if err != nil {
			p.owner.forget(p)
		}
		close(p.done)
	})
	<-p.done
	return p.err
}

// forget drops the cache slots of a failed batch so later loads retry.
func (b *batcher[V]) forget(p *batch[V]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range p.index {
		if s, ok := b.cache[k]; ok && s.b == p {
			delete(b.cache, k)
		}
	}
}

func failed[V any](err error) Thunk[V] {
	return func() (V, error) {
		var zero V
		return zero, err
	}
}

// fingerprint derives a stable batch key from a filter. Map keys are sorted
// so equal filters always share a batch.
func fingerprint(filter Filter) (string, error) {
	if filter.IsEmpty() {
		return "", nil
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(filter); err != nil {
		return "", Errorf(ErrInvalidFilter, "cannot fingerprint filter: %v", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// collectionMembers returns the ids held by a to-many relation value.
// Members may be bare ids or entity maps carrying memberKey.
func collectionMembers(value any, memberKey string) []any {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []int:
		for _, n := range v {
			items = append(items, n)
		}
	case []int64:
		for _, n := range v {
			items = append(items, n)
		}
	case []Entity:
		for _, e := range v {
			items = append(items, e)
		}
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	}

	ids := make([]any, 0, len(items))
	for _, item := range items {
		switch m := item.(type) {
		case Entity:
			ids = append(ids, m[memberKey])
		case map[string]any:
			ids = append(ids, m[memberKey])
		default:
			ids = append(ids, item)
		}
	}
	return ids
}
