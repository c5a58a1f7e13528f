// Package storage opens the relational backends used by the instance, template
// and audit stores and applies their embedded schema migrations.
package storage

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embeddedMigrations embed.FS

// Migration is one embedded schema file.
type Migration struct {
	Name string
	SQL  string
}

// Dialects with embedded migrations.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Migrations returns the embedded migrations for a dialect ordered by file
// name.
func Migrations(dialect string) ([]Migration, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(embeddedMigrations, dir)
	if err != nil {
		return nil, err
	}

	files := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		body, err := embeddedMigrations.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return nil, err
		}
		files = append(files, Migration{Name: entry.Name(), SQL: string(body)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}
