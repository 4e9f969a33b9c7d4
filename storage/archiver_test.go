package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	raw      = []byte("From: anne@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	received = time.Date(2024, time.March, 9, 12, 0, 0, 0, time.UTC)
)

func TestKey(t *testing.T) {
	key := Key("ant.example.com", raw, received)
	assert.Regexp(t, `^ant\.example\.com/2024/03/[0-9a-f]{32}\.eml$`, key)
	assert.Equal(t, key, Key("ant.example.com", raw, received))
	assert.NotEqual(t, key, Key("ant.example.com", append(raw, 'x'), received))
}

func TestObjectArchiver(t *testing.T) {
	mock, err := testutils.NewFileObjectStore(t.TempDir())
	require.NoError(t, err)
	a := NewObjectArchiver(mock)

	key, err := a.Archive(context.Background(), "ant.example.com", raw, received)
	require.NoError(t, err)
	data, ok := mock.Data(key)
	require.True(t, ok)
	assert.Equal(t, raw, data)

	// Archiving the same message again leaves one object.
	again, err := a.Archive(context.Background(), "ant.example.com", raw, received)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Equal(t, 1, mock.ObjectCount())
}

func TestObjectArchiverError(t *testing.T) {
	mock, err := testutils.NewFileObjectStore(t.TempDir())
	require.NoError(t, err)
	key := Key("ant.example.com", raw, received)
	mock.SetError(key, errors.New("connection refused"))

	a := NewObjectArchiver(mock)
	_, err = a.Archive(context.Background(), "ant.example.com", raw, received)
	assert.Error(t, err)
	assert.Equal(t, 0, mock.ObjectCount())
}

func TestDirArchiver(t *testing.T) {
	root := t.TempDir()
	a, err := NewDirArchiver(root)
	require.NoError(t, err)

	key, err := a.Archive(context.Background(), "ant.example.com", raw, received)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	entries, err := os.ReadDir(filepath.Join(root, "ant.example.com", "2024", "03"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestNewArchiver(t *testing.T) {
	a, err := NewArchiver(context.Background(), config.ArchiveConfig{Backend: "dir", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DirArchiver{}, a)

	_, err = NewArchiver(context.Background(), config.ArchiveConfig{Backend: "tape"})
	assert.Error(t, err)

	_, err = NewArchiver(context.Background(), config.ArchiveConfig{Backend: "s3"})
	assert.Error(t, err)
}
