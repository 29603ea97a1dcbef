package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantErr     bool
	}{
		{"001_initial_schema.sql", 1, "initial_schema", false},
		{"100_future_migration.sql", 100, "future_migration", false},
		{"002_name_with_underscores.sql", 2, "name_with_underscores", false},
		{"invalid.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
		{"001.sql", 0, "", true},
		{"001_.sql", 0, "", true},
		{"001_name.txt", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseFilename(tt.filename)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, version)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	steps, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	// Sorted by version, starting at 1, each with SQL content
	assert.Equal(t, 1, steps[0].version)
	for i := 1; i < len(steps); i++ {
		assert.Greater(t, steps[i].version, steps[i-1].version)
	}
	for _, step := range steps {
		assert.NotEmpty(t, step.sql, "migration %03d_%s has empty SQL", step.version, step.name)
	}
}

func TestInitialSchemaContainsCoreTables(t *testing.T) {
	steps, err := loadMigrations()
	require.NoError(t, err)

	var initial string
	for _, step := range steps {
		if step.version == 1 {
			initial = step.sql
			break
		}
	}
	require.NotEmpty(t, initial, "migration 001 not found")

	for _, table := range []string{"cameras", "detections", "events", "alert_rules", "alerts"} {
		assert.Contains(t, initial, "CREATE TABLE "+table, "initial schema missing table %s", table)
	}

	// The dedup gate depends on this index
	assert.True(t, strings.Contains(initial, "idx_alerts_dedup_key_time"),
		"initial schema missing dedup key index")
}
