package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"

	"docsync/backend/internal/model"
)

func TestIsDuplicate(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !isDuplicate(dup) {
		t.Fatal("1062 not treated as duplicate")
	}
	if !isDuplicate(fmt.Errorf("insert: %w", dup)) {
		t.Fatal("wrapped 1062 not treated as duplicate")
	}
	if isDuplicate(&mysql.MySQLError{Number: 1146}) {
		t.Fatal("1146 treated as duplicate")
	}
	if isDuplicate(errors.New("connection refused")) {
		t.Fatal("plain error treated as duplicate")
	}
}

func TestMySQLArchive_RejectsLongDocumentID(t *testing.T) {
	a := &MySQLArchive{}
	long := strings.Repeat("d", model.MaxDocumentIDLength+1)
	err := a.Archive(context.Background(), long, &model.Snapshot{Version: 1})
	if !errors.Is(err, ErrDocumentIDTooLong) {
		t.Fatalf("Archive() error = %v, want %v", err, ErrDocumentIDTooLong)
	}
}

func TestMySQLArchive_ArchiveIsIdempotent(t *testing.T) {
	dsn := os.Getenv("DOCSYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skipf("skip: DOCSYNC_TEST_MYSQL_DSN not set")
	}
	a, err := Open(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	docID := fmt.Sprintf("archive-test-%d", os.Getpid())
	defer a.db.Where("doc_id = ?", docID).Delete(&DocumentArchive{})

	for _, v := range []uint64{1, 2, 2} {
		if err := a.Archive(ctx, docID, &model.Snapshot{Content: fmt.Sprintf("v%d", v), Version: v}); err != nil {
			t.Fatalf("Archive(v%d) error = %v", v, err)
		}
	}
	row, err := a.Latest(ctx, docID)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if row.Version != 2 || row.Content != "v2" {
		t.Fatalf("Latest() = v%d %q", row.Version, row.Content)
	}
	if _, err := a.Latest(ctx, docID+"-missing"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("Latest(missing) error = %v", err)
	}
}
