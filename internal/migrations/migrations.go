// Package migrations holds the local cache schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var files embed.FS

// GetInitialSchema returns every schema script concatenated in file-name
// order. Scripts must be idempotent.
func GetInitialSchema() (string, error) {
	names, err := fs.Glob(files, "sql/*.sql")
	if err != nil {
		return "", fmt.Errorf("failed to list schema files: %w", err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no schema files embedded")
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		content, err := files.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
		b.Write(content)
		b.WriteString("\n")
	}
	return b.String(), nil
}
