package pagination

import (
	"testing"
)

type row struct {
	id int
}

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-02T03:04:05Z"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor.ID != "42" || cursor.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected cursor %+v", cursor)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := DecodeCursor("%%%"); err != ErrInvalidPageToken {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestBuildCursorPageInfoTrimsLookAhead(t *testing.T) {
	data := []*row{{1}, {2}, {3}}
	page, info := BuildCursorPageInfo(data, 2, func(r *row) Cursor {
		return Cursor{ID: "x"}
	})
	if len(page) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page))
	}
	if !info.HasMore || info.NextPageToken == "" {
		t.Fatalf("expected next page token, got %+v", info)
	}

	page, info = BuildCursorPageInfo(data, 5, func(r *row) Cursor { return Cursor{} })
	if len(page) != 3 || info.HasMore {
		t.Fatalf("expected last page, got %d rows %+v", len(page), info)
	}
}

func TestSizeBounds(t *testing.T) {
	if got := (Pagination{}).Size(); got != DefaultPageSize {
		t.Fatalf("expected default, got %d", got)
	}
	if got := (Pagination{PageSize: 1000}).Size(); got != MaxPageSize {
		t.Fatalf("expected max, got %d", got)
	}
}
