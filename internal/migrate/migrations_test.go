package migrate

import (
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"marketline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if want := migrations[len(migrations)-1].Version; version != want {
		t.Fatalf("schema version %d, want %d", version, want)
	}

	for _, table := range []string{"assignments", "violations", "restrictions", "disputes", "escrow_holds", "notifications", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
	var sanctioned sql.NullInt64
	if err := conn.QueryRow(`SELECT max(sanctioned_at) FROM violations`).Scan(&sanctioned); err != nil {
		t.Fatalf("violations.sanctioned_at missing: %v", err)
	}
}

func TestDialectForSQLite(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if d := dialectFor(conn); d.lock != "" || d.bind(`?`) != `?` {
		t.Fatalf("sqlite needs neither a lock nor rebinding")
	}
}

func TestPostgresMigrationLocksAndRebinds(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()
	migrations := []Migration{
		{Version: 1, Name: "001_init.sql", UpSQL: "CREATE TABLE a (id TEXT)"},
		{Version: 2, Name: "002_more.sql", UpSQL: "ALTER TABLE a ADD COLUMN b BIGINT"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(727180)`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`version BIGINT NOT NULL`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM schema_version LIMIT 1 FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE a ADD COLUMN b BIGINT`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE schema_version SET version=$1`)).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := apply(conn, postgresDialect, migrations); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
