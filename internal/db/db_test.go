package db

import "testing"

func TestRebindDollar(t *testing.T) {
	got := RebindDollar(`UPDATE disputes SET status=?, version=version+1 WHERE id=? AND version=?`)
	want := `UPDATE disputes SET status=$1, version=version+1 WHERE id=$2 AND version=$3`
	if got != want {
		t.Fatalf("rebind mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if IsPostgres(conn) {
		t.Fatalf("sqlite connection reported as postgres")
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if got := Rebind(conn, "SELECT ?"); got != "SELECT ?" {
		t.Fatalf("sqlite query must not be rebound, got %s", got)
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := Open(Config{Driver: DriverPostgres}); err == nil {
		t.Fatalf("expected dsn error")
	}
}
