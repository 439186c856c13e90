package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	mldb "marketline/internal/db"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations() ([]Migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		_, err = fmt.Sscanf(f.Name(), "%d_", &v)
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: v,
			Name:    f.Name(),
			UpSQL:   string(data),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// dialect holds the statements that differ between the sqlite and postgres stores.
type dialect struct {
	// lock serializes concurrent migrators for the rest of the transaction.
	lock        string
	versionDDL  string
	readVersion string
	bind        func(string) string
}

var (
	sqliteDialect = dialect{
		versionDDL:  `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`,
		readVersion: `SELECT version FROM schema_version LIMIT 1`,
		bind:        func(q string) string { return q },
	}
	postgresDialect = dialect{
		lock:        `SELECT pg_advisory_xact_lock(727180)`,
		versionDDL:  `CREATE TABLE IF NOT EXISTS schema_version(version BIGINT NOT NULL);`,
		readVersion: `SELECT version FROM schema_version LIMIT 1 FOR UPDATE`,
		bind:        mldb.RebindDollar,
	}
)

func dialectFor(db *sql.DB) dialect {
	if mldb.IsPostgres(db) {
		return postgresDialect
	}
	return sqliteDialect
}

// Migrate applies embedded migrations in order inside one transaction.
func Migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	return apply(db, dialectFor(db), migrations)
}

func apply(db *sql.DB, d dialect, migrations []Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if d.lock != "" {
		if _, err := tx.Exec(d.lock); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
	}
	if _, err := tx.Exec(d.versionDDL); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(d.readVersion).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(d.bind(`UPDATE schema_version SET version=?`), m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}
