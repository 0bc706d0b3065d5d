package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, secret string) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), secret)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, "test-master-secret")

	creds := Credentials{APIKey: "key-123", SecretKey: "secret-456"}
	require.NoError(t, s.Put("user-1", creds))

	got, err := s.Get("user-1")
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestGetUnknownUser(t *testing.T) {
	s := openTestStore(t, "test-master-secret")

	_, err := s.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplacesExisting(t *testing.T) {
	s := openTestStore(t, "test-master-secret")

	require.NoError(t, s.Put("user-1", Credentials{APIKey: "old", SecretKey: "old"}))
	require.NoError(t, s.Put("user-1", Credentials{APIKey: "new", SecretKey: "new"}))

	got, err := s.Get("user-1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.APIKey)
}

func TestWrongMasterSecretFailsToUnseal(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "right-secret")
	require.NoError(t, err)
	require.NoError(t, s1.Put("user-1", Credentials{APIKey: "k", SecretKey: "s"}))
	require.NoError(t, s1.Close())

	s2, err := Open(dir, "wrong-secret")
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get("user-1")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t, "test-master-secret")

	require.NoError(t, s.Put("user-1", Credentials{APIKey: "k", SecretKey: "s"}))
	require.NoError(t, s.Delete("user-1"))

	_, err := s.Get("user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete("user-1"))
}

func TestEmptyMasterSecretRejected(t *testing.T) {
	_, err := Open(t.TempDir(), "")
	assert.Error(t, err)
}
