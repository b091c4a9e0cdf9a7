package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api/", "/api"},
		{" /api/v1 ", "/api/v1"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestCheckName(t *testing.T) {
	for _, s := range []string{"a", "qwen-7b", "sql.1_2"} {
		if err := checkName(s); err != nil {
			t.Fatalf("checkName(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "모델"} {
		if checkName(s) == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestCheckAbsPath(t *testing.T) {
	if err := checkAbsPath("work_dir", ""); err != nil {
		t.Fatalf("empty should be allowed: %v", err)
	}
	abs := t.TempDir()
	if err := checkAbsPath("work_dir", abs); err != nil {
		t.Fatalf("clean absolute path rejected: %v", err)
	}
	if err := checkAbsPath("work_dir", abs+string(filepath.Separator)); err != nil {
		t.Fatalf("trailing separator rejected: %v", err)
	}
	if err := checkAbsPath("work_dir", "srv/models"); err == nil {
		t.Fatalf("relative path should be rejected")
	}
	sep := string(filepath.Separator)
	err := checkAbsPath("install_dir", abs+sep+".."+sep+"etc")
	if err == nil || !strings.Contains(err.Error(), "install_dir") {
		t.Fatalf("traversal should be rejected naming the field, got %v", err)
	}
}

func TestBindJSONAndWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", func(c *gin.Context) {
		var body struct {
			Title string `json:"title"`
		}
		if !bindJSON(c, &body) {
			return
		}
		writeJSON(c, http.StatusCreated, body)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"title":"hi"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"title":"hi"}` {
		t.Fatalf("body = %s", got)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid JSON") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
