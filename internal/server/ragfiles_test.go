package server

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/ragfiles"
	"github.com/loykin/warden/internal/service"
)

func upload(t *testing.T, h http.Handler, path, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func addRetrieval(t *testing.T, env *testEnv, name string) {
	t.Helper()
	rec := doReq(t, env.h, http.MethodPost, "/services/rags", service.Record{Name: name, Retrieval: &service.RetrievalSpec{
		DocDir: filepath.Join(env.root, "docs"),
		Port:   8001,
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRetrievalFiles(t *testing.T) {
	env := setupRouter(t, "")
	addRetrieval(t, env, "docs")

	rec := doReq(t, env.h, http.MethodGet, "/services/rags/docs/files", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[[]ragfiles.File](t, rec))

	rec = upload(t, env.h, "/services/rags/docs/files", "guide.md", "# guide\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[ragfiles.File](t, rec)
	assert.Equal(t, ".md", filepath.Ext(saved.Name))
	assert.NotEqual(t, "guide.md", saved.Name)
	b, err := os.ReadFile(filepath.Join(env.root, "data", "rag_files", "docs", saved.Name))
	require.NoError(t, err)
	assert.Equal(t, "# guide\n", string(b))

	rec = doReq(t, env.h, http.MethodGet, "/services/retrieval/docs/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode[[]ragfiles.File](t, rec)
	require.Len(t, files, 1)
	assert.Equal(t, saved.Name, files[0].Name)
	assert.EqualValues(t, 8, files[0].Size)

	rec = doReq(t, env.h, http.MethodDelete, "/services/rags/docs/files/"+saved.Name, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doReq(t, env.h, http.MethodDelete, "/services/rags/docs/files/"+saved.Name, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = upload(t, env.h, "/services/rags/docs/files", "notes.txt", "n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doReq(t, env.h, http.MethodDelete, "/services/rags/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoDirExists(t, filepath.Join(env.root, "data", "rag_files", "docs"))
}

func TestRetrievalFilesRejects(t *testing.T) {
	env := setupRouter(t, "")
	addRetrieval(t, env, "docs")
	secret := filepath.Join(env.root, "data", "rag_files", "secret.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(secret), 0o750))
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o600))

	cases := []struct {
		method, path string
		code         int
	}{
		{http.MethodGet, "/services/rags/missing/files", http.StatusNotFound},
		{http.MethodGet, "/services/models/docs/files", http.StatusBadRequest},
		{http.MethodGet, "/services/rags/a..b/files", http.StatusBadRequest},
		{http.MethodDelete, "/services/rags/docs/files/..%5Csecret.txt", http.StatusBadRequest},
		{http.MethodDelete, "/services/rags/docs/files/.upload-1", http.StatusBadRequest},
	}
	for _, c := range cases {
		rec := doReq(t, env.h, c.method, c.path, nil)
		assert.Equal(t, c.code, rec.Code, "%s %s: %s", c.method, c.path, rec.Body.String())
	}
	assert.FileExists(t, secret)

	rec := doReq(t, env.h, http.MethodPost, "/services/rags/docs/files", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "upload without a file field")
}
