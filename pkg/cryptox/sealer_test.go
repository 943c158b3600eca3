package cryptox_test

import (
	"testing"

	"github.com/aussiebroadwan/sunga/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func newSealer(t *testing.T, passphrase string, salt []byte) *cryptox.Sealer {
	t.Helper()

	s, err := cryptox.NewSealer(passphrase, salt)
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	salt, err := cryptox.RandomBytes(cryptox.SaltSize)
	require.NoError(t, err)

	s := newSealer(t, "correct horse", salt)

	sealed, err := s.Seal([]byte("refresh-token-value"), []byte("refresh_token"))
	require.NoError(t, err)
	require.NotContains(t, sealed, "refresh-token-value")

	opened, err := s.Open(sealed, []byte("refresh_token"))
	require.NoError(t, err)
	require.Equal(t, "refresh-token-value", string(opened))

	t.Run("nonce differs per seal", func(t *testing.T) {
		again, err := s.Seal([]byte("refresh-token-value"), []byte("refresh_token"))
		require.NoError(t, err)
		require.NotEqual(t, sealed, again)
	})

	t.Run("wrong additional data", func(t *testing.T) {
		_, err := s.Open(sealed, []byte("token"))
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		other := newSealer(t, "battery staple", salt)
		_, err := other.Open(sealed, []byte("refresh_token"))
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := s.Open("!!!", nil)
		require.ErrorIs(t, err, cryptox.ErrOpen)

		_, err = s.Open("AAAA", nil)
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})
}

func TestNewSealerRejectsBadInput(t *testing.T) {
	salt, err := cryptox.RandomBytes(cryptox.SaltSize)
	require.NoError(t, err)

	_, err = cryptox.NewSealer("", salt)
	require.Error(t, err)

	_, err = cryptox.NewSealer("pass", salt[:4])
	require.Error(t, err)
}
