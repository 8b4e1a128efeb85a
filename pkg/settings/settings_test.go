package settings

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type creds struct {
	UserAddress string `json:"userAddress"`
	Token       string `json:"token"`
}

func TestFile_SaveLoadDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFile(fs, "/state/settings.json")

	var got creds
	ok, err := s.Load("remotestorage:dropbox", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("remotestorage:dropbox", creds{UserAddress: "a@b", Token: "t"}))

	// A fresh store over the same file sees the value.
	again := NewFile(fs, "/state/settings.json")
	ok, err = again.Load("remotestorage:dropbox", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@b", got.UserAddress)
	assert.Equal(t, "t", got.Token)

	require.NoError(t, again.Delete("remotestorage:dropbox"))
	ok, err = NewFile(fs, "/state/settings.json").Load("remotestorage:dropbox", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFile_CorruptFileReadsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/settings.json", []byte("{not json"), 0600))

	s := NewFile(fs, "/settings.json")
	var shares map[string]string
	ok, err := s.Load("remotestorage:dropbox:shares", &shares)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("remotestorage:dropbox:shares", map[string]string{"/public/a": "https://x"}))
	ok, err = NewFile(fs, "/settings.json").Load("remotestorage:dropbox:shares", &shares)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://x", shares["/public/a"])
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Save("k", 42))
	var v int
	ok, err := m.Load("k", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	require.NoError(t, m.Delete("k"))
	ok, _ = m.Load("k", &v)
	assert.False(t, ok)
}
