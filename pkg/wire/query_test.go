package wire

import (
	"os"
	"testing"
	"time"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/log"
)

func newTestQueryProcessor(t *testing.T) *QueryProcessor {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "pglite-query-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	logger, err := log.NewConsoleAndFile(log.LevelOff, log.LevelOff, "", log.FormatText)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	pool := backend.NewPool(tmpDir, time.Minute, logger)
	t.Cleanup(pool.Close)

	handle, err := pool.Acquire("alice/app")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	return newQueryProcessor(handle, newPortalStore(), 5*time.Second, logger)
}

func TestSimpleQueryCreateAndSelect(t *testing.T) {
	qp := newTestQueryProcessor(t)

	if _, err := qp.SimpleQuery("CREATE TABLE t (id INT, name TEXT)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	if _, err := qp.SimpleQuery("INSERT INTO t (id, name) VALUES (1, 'alice')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	resp, err := qp.SimpleQuery("SELECT id, name FROM t")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("expected 1 row, got %d", len(resp.Records))
	}
}

func TestParseBindExecuteRoundTrip(t *testing.T) {
	qp := newTestQueryProcessor(t)

	if _, err := qp.SimpleQuery("CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	const sqlText = "INSERT INTO t (id) VALUES (?)"
	qp.Parse("stmt1", sqlText, []uint32{oidInt4})

	if got, ok := qp.StatementSQL("stmt1"); !ok || got != sqlText {
		t.Fatalf("expected statement SQL to equal the parsed text, got %q, ok=%v", got, ok)
	}

	if err := qp.Bind("portal1", "stmt1", [][]byte{[]byte("7")}, nil); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if got, ok := qp.PortalSQL("portal1"); !ok || got != sqlText {
		t.Fatalf("expected portal SQL to equal the statement's text, got %q, ok=%v", got, ok)
	}

	resp, err := qp.Execute("portal1", 0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Records[0].Values[0].Int != 1 {
		t.Errorf("expected 1 affected row, got %+v", resp.Records[0].Values[0])
	}
}

func TestBindUnknownStatementFails(t *testing.T) {
	qp := newTestQueryProcessor(t)
	err := qp.Bind("p1", "never-parsed", nil, nil)
	if err == nil {
		t.Fatal("expected Bind against an unknown statement to fail")
	}
}

func TestExecuteUnknownPortalFails(t *testing.T) {
	qp := newTestQueryProcessor(t)
	_, err := qp.Execute("never-bound", 0)
	if err == nil {
		t.Fatal("expected Execute against an unknown portal to fail")
	}
}

func TestCloseStatementAndPortalRelease(t *testing.T) {
	qp := newTestQueryProcessor(t)
	qp.Parse("stmt1", "SELECT 1", nil)
	if err := qp.Bind("portal1", "stmt1", nil, nil); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	qp.CloseStatement("stmt1")
	qp.ClosePortal("portal1")

	if _, ok := qp.StatementSQL("stmt1"); ok {
		t.Error("expected statement to be released after CloseStatement")
	}
	if _, ok := qp.PortalSQL("portal1"); ok {
		t.Error("expected portal to be released after ClosePortal")
	}
}

func TestDescribeInvalidSQLFails(t *testing.T) {
	// Describe against SQL the backend can't prepare must surface the
	// backend's error, never a silent empty response.
	qp := newTestQueryProcessor(t)
	_, err := qp.Describe("not valid sql at all")
	if err == nil {
		t.Fatal("expected Describe against invalid SQL to fail")
	}
}
