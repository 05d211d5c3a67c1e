package store

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/callscreen-go/pkg/responder"
)

func TestMemoryStore_SaveAndList(t *testing.T) {
	is := is.New(t)

	s := NewMemoryStore()
	rec := CallRecord{
		SessionID: "sess-1",
		CallID:    "call-1",
		StartedAt: time.Unix(1000, 0),
		Duration:  42 * time.Second,
		Exchanges: []responder.Exchange{{Caller: "hello", Reply: "hi, who is calling?"}},
		Outcome:   OutcomeCompleted,
	}
	is.NoErr(s.SaveCallRecord(context.Background(), rec))

	records := s.Records()
	is.Equal(len(records), 1)
	is.Equal(records[0].SessionID, "sess-1")
	is.Equal(records[0].Outcome, OutcomeCompleted)
	is.Equal(len(records[0].Exchanges), 1)
}

func TestMemoryStore_RecordsReturnsCopy(t *testing.T) {
	is := is.New(t)

	s := NewMemoryStore()
	is.NoErr(s.SaveCallRecord(context.Background(), CallRecord{SessionID: "a"}))

	records := s.Records()
	records[0].SessionID = "mutated"
	is.Equal(s.Records()[0].SessionID, "a")
}
