package trace

import (
	"database/sql/driver"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestNilTracerIsNoop(t *testing.T) {
	tr := NewTracer(nil, "s1")
	if tr != nil {
		t.Fatalf("expected nil tracer without a store")
	}
	tr.Stream("MZ1", "CA1")
	if id := tr.StartTurn("item_1"); id != "" {
		t.Fatalf("nil tracer returned turn id %q", id)
	}
	tr.EndTurn("t1", time.Now(), "completed", 3)
	tr.RecordToolCall(ToolCall{CallID: "c1"})
	tr.End("CLOSED")
	tr.Close()
}

func TestTracerWritesInOrder(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectExec("INSERT INTO sessions").WithArgs("s1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE sessions SET stream_sid").WithArgs("MZ1", "CA1", "s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO turns").WithArgs(sqlmock.AnyArg(), "s1", "item_1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE turns").WithArgs(sqlmock.AnyArg(), "completed", 12, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tool_calls").
		WithArgs(sqlmock.AnyArg(), "s1", "call_1", "query_knowledge_base", "hours", "9-5", "ok", "", sqlmock.AnyArg(), 20.0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET state").WithArgs("CLOSED", sqlmock.AnyArg(), "s1").WillReturnResult(sqlmock.NewResult(0, 1))

	tr := NewTracer(store, "s1")
	tr.Stream("MZ1", "CA1")
	turn := tr.StartTurn("item_1")
	if turn == "" {
		t.Fatalf("empty turn id")
	}
	tr.EndTurn(turn, time.Now(), "completed", 12)
	tr.RecordToolCall(ToolCall{
		CallID:     "call_1",
		Name:       "query_knowledge_base",
		Query:      "hours",
		Answer:     "9-5",
		Status:     "ok",
		StartedAt:  time.Now(),
		DurationMs: 20,
	})
	tr.End("CLOSED")
	tr.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// cappedText matches a string argument that is valid UTF-8 and within the
// trace text limit.
type cappedText struct{}

func (cappedText) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && utf8.ValidString(s) && len(s) <= maxTextLen && len(s) > maxTextLen-utf8.UTFMax
}

func TestToolCallTextTruncatedOnRuneBoundary(t *testing.T) {
	mock, store := setupMockDB(t)

	// The leading byte puts every 2-byte rune boundary on an odd offset.
	long := "x" + strings.Repeat("ما", 200)

	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tool_calls").
		WithArgs(sqlmock.AnyArg(), "s1", "call_1", "query_knowledge_base", cappedText{}, cappedText{}, "ok", "", sqlmock.AnyArg(), 5.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tr := NewTracer(store, "s1")
	tr.RecordToolCall(ToolCall{
		CallID:     "call_1",
		Name:       "query_knowledge_base",
		Query:      long,
		Answer:     long,
		Status:     "ok",
		StartedAt:  time.Now(),
		DurationMs: 5,
	})
	tr.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	for _, s := range []string{"héllo wörld", "ما" + "ما", "abc"} {
		for max := 0; max <= len(s); max++ {
			got := truncate(s, max)
			if !utf8.ValidString(got) || len(got) > max || !strings.HasPrefix(s, got) {
				t.Fatalf("truncate(%q, %d) = %q", s, max, got)
			}
		}
	}
}
