// Package credstore persists the session credentials of a client between
// process runs. Drivers implement a plain get/set/remove contract over
// string keys; drivers that can commit several writes atomically also
// implement Transactional.
package credstore

import (
	"context"
	"errors"
)

// Keys written by the session manager.
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyLaunched     = "hasLaunchedBefore"
)

// AllKeys lists every key the session manager owns.
var AllKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyLaunched}

var ErrNotFound = errors.New("credstore: not found")

// Store is the minimal key-value contract. Get returns ErrNotFound when the
// key is absent. Remove of an absent key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Transactional is implemented by stores that can apply several writes as
// one unit. If fn returns an error nothing it wrote is kept.
type Transactional interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Update runs fn inside a transaction when s supports one, otherwise it
// runs fn directly against s.
func Update(ctx context.Context, s Store, fn func(tx Store) error) error {
	if t, ok := s.(Transactional); ok {
		return t.WithTx(ctx, fn)
	}
	return fn(s)
}

// Lookup is Get with absence folded into ok.
func Lookup(ctx context.Context, s Store, key string) (value string, ok bool, err error) {
	v, err := s.Get(ctx, key)
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, ErrNotFound):
		return "", false, nil
	default:
		return "", false, err
	}
}
