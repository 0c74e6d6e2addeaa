package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct{ err error }

func (f *fakeHealth) Ping(context.Context) error { return f.err }

type fakeAuth struct{ users map[string]string }

func (f *fakeAuth) UserForSession(_ context.Context, token string) (string, error) {
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return "", errors.New("not found")
}

func TestHealthOK(t *testing.T) {
	h := NewHandler(&fakeHealth{}, nil, "sid", "")

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthDegraded(t *testing.T) {
	h := NewHandler(&fakeHealth{err: errors.New("down")}, nil, "sid", "")

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
}

func TestFilesRequireSession(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "u1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "u1", "a.txt"), []byte("attachment"), 0o644))

	h := NewHandler(nil, &fakeAuth{users: map[string]string{"tok": "u1"}}, "sid", dir)
	files := h.Files()

	// No cookie: refused.
	rec := httptest.NewRecorder()
	files.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/u1/a.txt", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bad token: refused.
	req := httptest.NewRequest(http.MethodGet, "/files/u1/a.txt", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "wrong"})
	rec = httptest.NewRecorder()
	files.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid session: served.
	req = httptest.NewRequest(http.MethodGet, "/files/u1/a.txt", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "tok"})
	rec = httptest.NewRecorder()
	files.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "attachment", rec.Body.String())
}
