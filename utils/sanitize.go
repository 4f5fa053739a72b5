package utils

import (
	"path"
	"strings"
)

// CleanFileName reduces a client-supplied name to a single path element with
// no quotes or control characters. An empty result becomes "upload".
func CleanFileName(name string) string {
	clean := strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	clean = path.Base(clean)
	clean = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, clean)
	clean = strings.TrimSpace(clean)
	if clean == "" || clean == "." || clean == "/" || clean == ".." {
		return "upload"
	}
	if len(clean) > 255 {
		clean = clean[:255]
	}
	return clean
}
