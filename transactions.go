package crudkit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// TxOptions selects the isolation level and access mode of a transaction.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// SQL returns the equivalent database/sql options.
func (o TxOptions) SQL() *sql.TxOptions {
	return &sql.TxOptions{Isolation: o.Isolation, ReadOnly: o.ReadOnly}
}

// Transactor runs fn inside a backend transaction. The context passed to fn
// carries whatever the backend needs to route provider calls to the
// transaction. Returning an error from fn rolls the transaction back.
type Transactor interface {
	RunInTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error
}

// txState is stored in the context of an open transaction.
type txState struct {
	opts TxOptions

	mu  sync.Mutex
	err error // first failure of a reused block
}

func (s *txState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *txState) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func txFromContext(ctx context.Context) *txState {
	if v := ctx.Value(contextKeyTx); v != nil {
		if st, ok := v.(*txState); ok {
			return st
		}
	}
	return nil
}

// InTransaction reports whether ctx belongs to an open transaction.
func InTransaction(ctx context.Context) bool {
	return txFromContext(ctx) != nil
}

// TxOptionsFrom returns the options of the open transaction.
func TxOptionsFrom(ctx context.Context) (TxOptions, bool) {
	st := txFromContext(ctx)
	if st == nil {
		return TxOptions{}, false
	}
	return st.opts, true
}

// TxManager opens transactions on a Transactor. Calls are re-entrant: a Run
// inside an open transaction reuses it when the open isolation level is at
// least the requested one.
type TxManager struct {
	transactor Transactor
	monitor    *transactionMonitor
	logger     *slog.Logger
}

// NewTxManager creates a TxManager. A nil logger uses slog.Default.
func NewTxManager(transactor Transactor, logger *slog.Logger) *TxManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TxManager{
		transactor: transactor,
		monitor:    newTransactionMonitor(),
		logger:     logger,
	}
}

// isolationCovers reports whether a transaction open at level open satisfies
// a request for level requested. LevelDefault requests nothing in
// particular and is covered by any level. An open LevelDefault has the
// driver's unknown strength and covers only LevelDefault.
func isolationCovers(open, requested sql.IsolationLevel) bool {
	switch {
	case requested == sql.LevelDefault:
		return true
	case open == sql.LevelDefault:
		return false
	default:
		return requested <= open
	}
}

// Run executes fn within a transaction with automatic commit/rollback.
// If fn returns an error, the whole transaction is rolled back, including
// when fn runs in a reused outer transaction.
//
// Example:
//
//	err := txm.Run(ctx, crudkit.TxOptions{Isolation: sql.LevelSerializable}, func(ctx context.Context) error {
//	    if _, err := provider.Create(ctx, row); err != nil {
//	        return err // This will cause a rollback
//	    }
//	    return nil // This will cause a commit
//	})
func (m *TxManager) Run(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	if st := txFromContext(ctx); st != nil {
		if !isolationCovers(st.opts.Isolation, opts.Isolation) {
			m.monitor.recordConflict()
			return Errorf(ErrIsolationUpgrade, "open %s, requested %s", st.opts.Isolation, opts.Isolation)
		}
		if st.opts.ReadOnly && !opts.ReadOnly {
			m.monitor.recordConflict()
			return Errorf(ErrIsolationUpgrade, "open transaction is read-only")
		}
		m.monitor.recordReuse()
		m.logger.DebugContext(ctx, "crudkit: reuse transaction", "isolation", st.opts.Isolation.String())
		if err := fn(ctx); err != nil {
			st.fail(err)
			return err
		}
		return nil
	}

	if m.transactor == nil {
		return Errorf(ErrConfiguration, "no transactor configured")
	}

	start := time.Now()
	m.logger.DebugContext(ctx, "crudkit: begin transaction",
		"isolation", opts.Isolation.String(), "read_only", opts.ReadOnly)

	err := m.transactor.RunInTx(ctx, opts, func(txCtx context.Context) error {
		st := &txState{opts: opts}
		if err := fn(context.WithValue(txCtx, contextKeyTx, st)); err != nil {
			return err
		}
		return st.failure()
	})

	m.monitor.recordTransaction(time.Since(start), err == nil)
	if err != nil {
		m.logger.DebugContext(ctx, "crudkit: rollback", "error", err)
	}
	return err
}

// Metrics returns transaction statistics.
func (m *TxManager) Metrics() TransactionMetrics {
	return m.monitor.getMetrics()
}

// ResetMetrics clears transaction statistics.
func (m *TxManager) ResetMetrics() {
	m.monitor.reset()
}

// IsHealthy reports whether the failure rate of recent transactions is below
// threshold (a fraction between 0 and 1).
func (m *TxManager) IsHealthy(threshold float64) bool {
	return m.monitor.isHealthy(threshold)
}
