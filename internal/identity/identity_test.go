package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.DisplayName)
	_, err = uuid.Parse(id.UserID)
	assert.NoError(t, err)

	anon, err := Generate("")
	require.NoError(t, err)
	assert.Equal(t, "User_"+anon.UserID[:6], anon.DisplayName)
	assert.NotEqual(t, id.UserID, anon.UserID)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.json")
	id, err := Generate("bob")
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.UserID, got.UserID)
	assert.Equal(t, "bob", got.DisplayName)
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user_id":"nope","display_name":"x"}`), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
