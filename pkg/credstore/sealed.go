package credstore

import (
	"context"
	"fmt"

	"github.com/aussiebroadwan/sunga/pkg/cryptox"
)

// Sealed encrypts values before handing them to the wrapped store. The key
// name is bound as additional data so a value cannot be moved to another
// key. Transactions pass through when the wrapped store supports them.
type Sealed struct {
	inner  Store
	sealer *cryptox.Sealer
}

func NewSealed(inner Store, sealer *cryptox.Sealer) *Sealed {
	return &Sealed{inner: inner, sealer: sealer}
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	return openValue(ctx, s.inner, s.sealer, key)
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	return sealValue(ctx, s.inner, s.sealer, key, value)
}

func (s *Sealed) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *Sealed) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return Update(ctx, s.inner, func(tx Store) error {
		return fn(&Sealed{inner: tx, sealer: s.sealer})
	})
}

func openValue(ctx context.Context, inner Store, sealer *cryptox.Sealer, key string) (string, error) {
	raw, err := inner.Get(ctx, key)
	if err != nil {
		return "", err
	}

	plain, err := sealer.Open(raw, []byte(key))
	if err != nil {
		return "", fmt.Errorf("credstore: open %q: %w", key, err)
	}
	return string(plain), nil
}

func sealValue(ctx context.Context, inner Store, sealer *cryptox.Sealer, key, value string) error {
	sealed, err := sealer.Seal([]byte(value), []byte(key))
	if err != nil {
		return fmt.Errorf("credstore: seal %q: %w", key, err)
	}
	return inner.Set(ctx, key, sealed)
}
