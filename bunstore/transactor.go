package bunstore

import (
	"context"

	"github.com/fernandezvara/crudkit"
	"github.com/uptrace/bun"
)

type txKey struct{}

// Transactor opens bun transactions. Providers of the same store route their
// queries to the transaction carried by ctx.
type Transactor struct {
	store *Store
}

// RunInTx implements crudkit.Transactor.
func (t *Transactor) RunInTx(ctx context.Context, opts crudkit.TxOptions, fn func(ctx context.Context) error) error {
	return t.store.db.RunInTx(ctx, opts.SQL(), func(ctx context.Context, tx bun.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}
