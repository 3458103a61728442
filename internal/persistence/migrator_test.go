package persistence_test

import (
	"EscrowLedger/internal/persistence"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_PairsAndOrders(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_projections.up.sql":   {Data: []byte("CREATE TABLE b ();")},
		"000002_projections.down.sql": {Data: []byte("DROP TABLE b;")},
		"000001_event_log.up.sql":     {Data: []byte("CREATE TABLE a ();")},
		"README.md":                   {Data: []byte("ignored")},
	}

	migrations, err := persistence.LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "000001", migrations[0].Version)
	assert.Equal(t, "000001_event_log.up.sql", migrations[0].Name)
	assert.Empty(t, migrations[0].Down)
	assert.Equal(t, "DROP TABLE b;", migrations[1].Down)
	assert.Len(t, migrations[1].Checksum, 64)
	assert.NotEqual(t, migrations[0].Checksum, migrations[1].Checksum)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"down without up", fstest.MapFS{"000001_a.down.sql": {Data: []byte("x")}}},
		{"missing version", fstest.MapFS{"init.up.sql": {Data: []byte("x")}}},
		{"duplicate version", fstest.MapFS{
			"000001_a.up.sql": {Data: []byte("x")},
			"000001_b.up.sql": {Data: []byte("y")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := persistence.LoadMigrations(tt.fsys)
			assert.Error(t, err)
		})
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := persistence.LoadMigrations(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, migrations)
}
