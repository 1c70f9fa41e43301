package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"patient-access/internal/domain/permissions"
	"patient-access/internal/ports/directory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/practitioners/pr-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Registry-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "pr-1",
			"userId": "user-9",
			"name": "Dr. Vega",
			"memberships": [
				{"organizationId": "org-1", "active": true, "permissions": {"canAccessPatientRecords": true}}
			]
		}`))
	})
	mux.HandleFunc("/v1/users/user-9/practitioner", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "pr-1", "userId": "user-9"}`))
	})
	return httptest.NewServer(mux)
}

func TestClient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "k", APIKeyHeader: "X-Registry-Key", Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	pr, err := c.GetPractitioner(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, "user-9", pr.UserID)
	assert.True(t, pr.PermissionsIn("org-1").Has(permissions.CanAccessPatientRecords))
	assert.False(t, pr.PermissionsIn("org-2").Has(permissions.CanAccessPatientRecords))

	byUser, err := c.FindByUserID(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, "pr-1", byUser.ID)

	_, err = c.GetPractitioner(ctx, "pr-404")
	require.ErrorIs(t, err, directory.ErrNotFound)
}

func TestClient_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "wrong", APIKeyHeader: "X-Registry-Key"})
	require.NoError(t, err)

	_, err = c.GetPractitioner(context.Background(), "pr-1")
	require.ErrorIs(t, err, ErrRegistryUnauthorized)
}

func TestNewClient_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{BaseURL: "http://x"})
	require.ErrorIs(t, err, ErrRegistryNotConfigured)
}
