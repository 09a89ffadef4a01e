package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_EmbeddedMigrations(t *testing.T) {
	require.NoError(t, Validate(FS, Dir))
}

func TestValidate_EmbeddedSchemaCoversTables(t *testing.T) {
	b, err := FS.ReadFile(Dir + "/20260301000000_init.sql")
	require.NoError(t, err)

	schema := string(b)
	for _, table := range []string{"pools", "items", "pool_events", "idempotency_records", "webhook_subscriptions", "webhook_deliveries"} {
		assert.Contains(t, schema, "CREATE TABLE "+table+" (")
	}
	assert.Contains(t, schema, "pools_open_lane_cutoff_idx")
	assert.Contains(t, schema, "used_m3 <= capacity_m3")
}

func TestValidate_Rejects(t *testing.T) {
	up := "-- +goose Up\nSELECT 1;\n-- +goose Down\nSELECT 1;\n"

	tests := []struct {
		name  string
		files fstest.MapFS
		want  string
	}{
		{
			name:  "bad filename",
			files: fstest.MapFS{"m/001_init.sql": {Data: []byte(up)}},
			want:  "invalid migration filename",
		},
		{
			name: "duplicate version",
			files: fstest.MapFS{
				"m/20260301000000_a.sql": {Data: []byte(up)},
				"m/20260301000000_b.sql": {Data: []byte(up)},
			},
			want: "duplicate migration version",
		},
		{
			name:  "missing down",
			files: fstest.MapFS{"m/20260301000000_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")}},
			want:  "missing \"-- +goose Down\"",
		},
		{
			name:  "empty dir",
			files: fstest.MapFS{"m/README.md": {Data: []byte("x")}},
			want:  "no migrations found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.files, "m")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUp_RequiresDB(t *testing.T) {
	assert.ErrorContains(t, Up(t.Context(), nil), "db is required")
}
