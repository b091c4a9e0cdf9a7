package server

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/service"
)

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// checkName applies the registry's name rule to a path parameter. Names end
// up in log file names, so separators never pass.
func checkName(s string) error {
	if strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid name %q: path separators not allowed", s)
	}
	return service.ValidateName(s)
}

// checkAbsPath accepts empty or absolute, already clean paths. A path that
// filepath.Clean would change beyond trailing separators is rejected.
func checkAbsPath(field, p string) error {
	if p == "" {
		return nil
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("invalid %s: %q is not absolute", field, p)
	}
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	if clean := filepath.Clean(p); clean != p && clean != trimmed {
		return fmt.Errorf("invalid %s: %q contains traversal", field, p)
	}
	return nil
}

// bindJSON decodes the body into v and answers 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
