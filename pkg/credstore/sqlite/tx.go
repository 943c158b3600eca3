package sqlite

import (
	"context"
	"database/sql"
)

// txStore is the credstore.Store handed to WithTx callbacks.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Get(ctx context.Context, key string) (string, error) {
	return getCredential(ctx, t.tx, key)
}

func (t *txStore) Set(ctx context.Context, key, value string) error {
	return setCredential(ctx, t.tx, key, value)
}

func (t *txStore) Remove(ctx context.Context, key string) error {
	return removeCredential(ctx, t.tx, key)
}
