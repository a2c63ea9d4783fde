package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestSQLiteDialectHelpers(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if !IsSQLite(conn) {
		t.Fatalf("dialect = %q", DialectName(conn))
	}
	if got := CaseInsensitiveLikeExpr(conn, "line_label"); got != "LOWER(line_label) LIKE ?" {
		t.Fatalf("like expr = %q", got)
	}
	if got := NormalizeLikePattern(conn, "%Laptop%"); got != "%laptop%" {
		t.Fatalf("pattern = %q", got)
	}
	if got := JSONExtractTextExpr(conn, "gateway_payload", "card_issuer"); got != "json_extract(gateway_payload, '$.card_issuer')" {
		t.Fatalf("json expr = %q", got)
	}
	if ForUpdate(conn) != conn || SkipLocked(conn) != conn {
		t.Fatalf("sqlite must not add locking clauses")
	}
	if DialectName(nil) != "" {
		t.Fatalf("nil connection has a dialect")
	}
}
