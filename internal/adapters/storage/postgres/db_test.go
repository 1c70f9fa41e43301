package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@db:5432/access?sslmode=disable", "pgx5://u:p@db:5432/access?sslmode=disable"},
		{"postgresql://db/access", "pgx5://db/access"},
		{"pgx5://db/access", "pgx5://db/access"},
	}
	for _, tc := range cases {
		got, err := migrateURL(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := migrateURL("host=db user=u password=secret")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}
