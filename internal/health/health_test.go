package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSizer struct {
	size int64
	err  error
}

func (f fakeSizer) DBSizeBytes() (int64, error) { return f.size, f.err }

func TestLivenessHandler(t *testing.T) {
	handler := LivenessHandler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestStoreCheck(t *testing.T) {
	ctx := context.Background()

	res := StoreCheck(fakeSizer{size: 4096}, 0)(ctx)
	assert.Equal(t, StatusOK, res.Status)
	assert.Contains(t, res.Detail, "4096")

	res = StoreCheck(fakeSizer{size: 4096}, 1024)(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Detail, "exceeds")

	res = StoreCheck(fakeSizer{err: errors.New("database is locked")}, 0)(ctx)
	assert.Equal(t, StatusDown, res.Status)
	assert.Contains(t, res.Detail, "database is locked")
}

func TestWorkspaceCheck(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "workspaces")

	res := WorkspaceCheck(root)(ctx)
	assert.Equal(t, StatusOK, res.Status)

	// Probe file is cleaned up after the check.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkspaceCheck_NotWritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file modes")
	}
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o555))
	t.Cleanup(func() { os.Chmod(root, 0o755) })

	res := WorkspaceCheck(root)(ctx)
	assert.Equal(t, StatusDown, res.Status)
}

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Result { return OK("database 100 bytes") })
	c.Register("workspace", func(ctx context.Context) Result { return OK("writable") })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Result { return OK("") })
	c.Register("workspace", func(ctx context.Context) Result { return Down("read-only filesystem") })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Result { return Degraded("database growing") })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_RunAllReportsDetail(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", StoreCheck(fakeSizer{size: 2048}, 0))

	results := c.RunAll(context.Background())
	require.Contains(t, results, "store")
	assert.Equal(t, StatusOK, results["store"].Status)
	assert.Contains(t, results["store"].Detail, "2048")
}

func TestReadinessHandler_Healthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Result { return OK("database 100 bytes") })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ready")
	assert.Contains(t, rr.Body.String(), "database 100 bytes")
}

func TestReadinessHandler_NotReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Result { return Down("store unreachable") })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_ready")
	assert.Contains(t, rr.Body.String(), "store unreachable")
}
