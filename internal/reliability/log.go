package reliability

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
)

// sqlLog is the durable DurableLog, one row per finalize() call, grounded
// on jordigilh-kubernaut's sqlx.DB-plus-repository-struct shape
// (test/unit/datastorage/workflow_repository_test.go's
// sqlx.NewDb(mockDB, "sqlmock") + NewWorkflowRepository(db, logger)).
type sqlLog struct {
	db *sqlx.DB
}

// NewSQLLog wraps an already-open *sqlx.DB (opened against the "pgx" driver
// by the caller, e.g. sqlx.Connect("pgx", dsn)).
func NewSQLLog(db *sqlx.DB) DurableLog {
	return &sqlLog{db: db}
}

const insertLogRow = `
INSERT INTO reliability_log (message_id, milestone, recorded_at)
VALUES ($1, $2, $3)
`

func (l *sqlLog) Record(ctx context.Context, row LogRow) error {
	_, err := l.db.ExecContext(ctx, insertLogRow, row.MessageID, string(row.Milestone), row.RecordedAt)
	return err
}
