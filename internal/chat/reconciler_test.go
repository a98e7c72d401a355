package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(min int) time.Time {
	return time.Date(2026, 3, 1, 10, min, 0, 0, time.UTC)
}

func confirmed(id string, sentAt time.Time) Message {
	return Message{ID: id, Content: "msg-" + id, SentAt: sentAt, Status: StatusConfirmed}
}

func TestOptimisticConfirmFlow(t *testing.T) {
	r := NewReconciler()

	r.AppendOptimistic(Message{TempID: "t1", Content: "hello", SentAt: at(0)})

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusTemporary, msgs[0].Status)
	assert.Equal(t, "t1", msgs[0].TempID)

	// Server echoes the message back with its canonical id.
	r.Confirm("t1", Message{ID: "42", Content: "hello", SentAt: at(0)})

	msgs = r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
	assert.Empty(t, msgs[0].TempID)
}

func TestConfirmIsIdempotent(t *testing.T) {
	r := NewReconciler()

	r.AppendOptimistic(Message{TempID: "t1", Content: "hello", SentAt: at(0)})
	r.Confirm("t1", Message{ID: "42", Content: "hello", SentAt: at(0)})
	r.Confirm("t1", Message{ID: "42", Content: "hello", SentAt: at(0)})

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)
}

func TestConfirmAfterBulkDropsTemporary(t *testing.T) {
	r := NewReconciler()

	// A reconnect can deliver the confirmed message via bulk history before
	// the echo carrying the temp id arrives.
	r.AppendOptimistic(Message{TempID: "t1", Content: "hello", SentAt: at(0)})
	r.IngestBulk([]Message{confirmed("42", at(0))})
	r.Confirm("t1", Message{ID: "42", Content: "hello", SentAt: at(0)})

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
}

func TestConfirmWithoutTempFallsBackToIngest(t *testing.T) {
	r := NewReconciler()

	// The message arrived via another path; no optimistic entry exists.
	r.Confirm("t-gone", confirmed("7", at(1)))

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].ID)
}

func TestIngestDeduplicatesByID(t *testing.T) {
	r := NewReconciler()

	r.Ingest(confirmed("1", at(0)))
	r.Ingest(confirmed("1", at(0)))
	r.Ingest(confirmed("2", at(1)))

	assert.Equal(t, 2, r.Len())
}

func TestOrderingBySentAt(t *testing.T) {
	r := NewReconciler()

	r.Ingest(confirmed("3", at(3)))
	r.Ingest(confirmed("1", at(1)))
	r.Ingest(confirmed("2", at(2)))

	msgs := r.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)
	assert.Equal(t, "3", msgs[2].ID)
}

func TestTieBreakByArrivalOrder(t *testing.T) {
	r := NewReconciler()

	ts := at(5)
	r.Ingest(confirmed("a", ts))
	r.Ingest(confirmed("b", ts))
	r.Ingest(confirmed("c", ts))

	msgs := r.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestIngestBulkReplacesConfirmedSet(t *testing.T) {
	r := NewReconciler()

	r.Ingest(confirmed("old", at(0)))
	r.IngestBulk([]Message{confirmed("1", at(1)), confirmed("2", at(2))})

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)
}

func TestIngestBulkIsIdempotentUnderReplay(t *testing.T) {
	r := NewReconciler()

	bulk := []Message{confirmed("1", at(1)), confirmed("2", at(2)), confirmed("3", at(3))}
	r.IngestBulk(bulk)
	first := r.Messages()

	r.IngestBulk(bulk)
	second := r.Messages()

	assert.Equal(t, first, second)
}

func TestIngestBulkPreservesPendingTemporaries(t *testing.T) {
	r := NewReconciler()

	r.AppendOptimistic(Message{TempID: "t1", Content: "pending", SentAt: at(5)})
	r.IngestBulk([]Message{confirmed("1", at(1))})

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "t1", msgs[1].TempID)
	assert.Equal(t, StatusTemporary, msgs[1].Status)
}

func TestIngestBulkDropsConfirmedTemporaries(t *testing.T) {
	r := NewReconciler()

	r.AppendOptimistic(Message{TempID: "t1", Content: "hello", SentAt: at(5)})

	// The history payload already contains the confirmed counterpart.
	r.IngestBulk([]Message{{ID: "42", TempID: "t1", Content: "hello", SentAt: at(5), Status: StatusConfirmed}})

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
}

func TestDiscardRemovesFailedSend(t *testing.T) {
	r := NewReconciler()

	r.AppendOptimistic(Message{TempID: "t1", Content: "lost", SentAt: at(0)})
	r.Discard("t1")

	assert.Zero(t, r.Len())
}

func TestMarkReadDoesNotReorder(t *testing.T) {
	r := NewReconciler()

	r.Ingest(confirmed("1", at(1)))
	r.Ingest(confirmed("2", at(2)))

	r.MarkRead("1")

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, "1", msgs[0].ID)
	assert.False(t, msgs[1].IsRead)
}

func TestConfirmedMessageNotResurrectedAsTemporary(t *testing.T) {
	r := NewReconciler()

	r.AppendOptimistic(Message{TempID: "t1", Content: "hello", SentAt: at(0)})
	r.Confirm("t1", Message{ID: "42", Content: "hello", SentAt: at(0)})

	// A stale optimistic append for the same temp id must not displace
	// the confirmed entry.
	r.Confirm("t1", Message{ID: "42", Content: "hello", SentAt: at(0)})

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
}
