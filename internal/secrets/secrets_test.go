package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	enc, err := s.EncryptString("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, enc, "hunter2")

	again, err := Open(dir)
	require.NoError(t, err)
	plain, err := again.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	info, err := os.Stat(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEmptyStaysEmpty(t *testing.T) {
	s, err := New(make([]byte, 32))
	require.NoError(t, err)
	enc, err := s.EncryptString("")
	require.NoError(t, err)
	assert.Empty(t, enc)
	plain, err := s.DecryptString("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestRejects(t *testing.T) {
	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrKey)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.key"), []byte("!!!"), 0o600))
	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrKey)

	s, err := New(make([]byte, 32))
	require.NoError(t, err)
	for _, bad := range []string{"%%%", "AAAA"} {
		_, err := s.DecryptString(bad)
		assert.ErrorIs(t, err, ErrCiphertext, bad)
	}

	other, err := New(append(make([]byte, 31), 1))
	require.NoError(t, err)
	enc, err := other.EncryptString("x")
	require.NoError(t, err)
	_, err = s.DecryptString(enc)
	assert.ErrorIs(t, err, ErrCiphertext)
}
