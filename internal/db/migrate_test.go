package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFS(t *testing.T) {
	migrationFS, err := MigrationFS()
	require.NoError(t, err)

	files, err := fs.Glob(migrationFS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "00001_init.sql", files[0])

	for _, name := range files {
		body, err := fs.ReadFile(migrationFS, name)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "-- +goose Up"), "%s lacks goose annotation", name)
		assert.Contains(t, string(body), "-- +goose Down", name)
	}
}

func TestMigrationFS_DeclaresUniqueKeys(t *testing.T) {
	migrationFS, err := MigrationFS()
	require.NoError(t, err)
	body, err := fs.ReadFile(migrationFS, "00001_init.sql")
	require.NoError(t, err)

	for _, constraint := range []string{
		"servers_hostname_key",
		"linked_identities_server_remote_key",
		"linked_identities_server_username_key",
	} {
		assert.Contains(t, string(body), constraint)
	}
}
