package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	_, err := s.Get("imap:work")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("imap:work", "hunter2"))
	got, err := s.Get("imap:work")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, s.Delete("imap:work"))
	_, err = s.Get("imap:work")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete("imap:work"))
}
