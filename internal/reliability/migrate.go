package reliability

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration in migrations/ against db, the
// same goose.Up(db, dir) call jordigilh-kubernaut's go.mod pulls in
// pressly/goose/v3 for; used once at startup before the Tracker's durable
// log accepts writes.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
