package repos

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	id := uuid.New()

	cursor := encodeCursor(at, id)
	gotAt, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !gotAt.Equal(at) {
		t.Fatalf("timestamp mismatch: %v vs %v", gotAt, at)
	}
	if gotID != id {
		t.Fatalf("id mismatch: %v vs %v", gotID, id)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"%%%", "bm90LWEtY3Vyc29y", "MTIzNA"} {
		if _, _, err := decodeCursor(cursor); err == nil {
			t.Fatalf("expected error for cursor %q", cursor)
		}
	}
}
