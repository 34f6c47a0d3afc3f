package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestMigrationFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_history.sql", "001_tickets.sql", "README.md"} {
		gt.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600)).Required()
	}
	gt.NoError(t, os.Mkdir(filepath.Join(dir, "nested.sql"), 0o700)).Required()

	files, err := migrationFiles(dir)
	gt.NoError(t, err).Required()
	gt.Array(t, files).Length(2).Required()
	gt.Value(t, files[0]).Equal("001_tickets.sql")
	gt.Value(t, files[1]).Equal("002_history.sql")
}

func TestMigrationFilesMissingDir(t *testing.T) {
	_, err := migrationFiles(filepath.Join(t.TempDir(), "absent"))
	gt.Error(t, err)
}

func TestRepositoryMigrationsPresent(t *testing.T) {
	files, err := migrationFiles(filepath.Join("..", "..", "migrations"))
	gt.NoError(t, err).Required()
	gt.Number(t, len(files)).GreaterOrEqual(1)
}
