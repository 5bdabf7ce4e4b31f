package server

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount prefix to "/name" form; root and blank
// collapse to the empty prefix.
func sanitizeBase(bp string) string {
	p := "/" + strings.Trim(strings.TrimSpace(bp), "/")
	if p == "/" {
		return ""
	}
	return p
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// isSafeID validates service ids used in filenames and shell-adjacent places.
func isSafeID(s string) bool {
	return idPattern.MatchString(s) && !strings.Contains(s, "..")
}

// isSafeAbsPath accepts empty (workdir is optional) or an absolute path with
// no "." or ".." elements.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	for _, elem := range strings.Split(filepath.ToSlash(p), "/") {
		if elem == "." || elem == ".." {
			return false
		}
	}
	return true
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
