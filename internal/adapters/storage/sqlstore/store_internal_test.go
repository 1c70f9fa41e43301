package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	t.Parallel()

	q := `SELECT 1 FROM t WHERE a = ? AND b IN (?,?)`
	assert.Equal(t, `SELECT 1 FROM t WHERE a = $1 AND b IN ($2,$3)`, Postgres.rebind(q))
	assert.Equal(t, q, SQLite.rebind(q))
}

func TestStrictlyBefore(t *testing.T) {
	t.Parallel()

	exact := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, exact.UnixMilli(), strictlyBefore(exact), "a token expiring exactly now is still valid")

	later := exact.Add(300 * time.Microsecond)
	assert.Equal(t, exact.UnixMilli()+1, strictlyBefore(later), "sub-millisecond past expiry counts as expired")
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?,?,?", placeholders(3))
}

func TestDecodeJSON_KeepsIntegers(t *testing.T) {
	t.Parallel()

	raw, err := encodeJSON(map[string]any{
		"scans":  3,
		"ratio":  1.5,
		"nested": map[string]any{"n": 7},
		"list":   []any{1, "a"},
	})
	assert.NoError(t, err)

	got, err := decodeJSON(raw)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), got["scans"])
	assert.Equal(t, 1.5, got["ratio"])
	assert.Equal(t, map[string]any{"n": int64(7)}, got["nested"])
	assert.Equal(t, []any{int64(1), "a"}, got["list"])

	empty, err := decodeJSON("  ")
	assert.NoError(t, err)
	assert.Empty(t, empty)
}
