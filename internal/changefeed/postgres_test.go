package changefeed

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestNewPool_GivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	pool, err := NewPool(ctx, "host=127.0.0.1 port=1 user=app dbname=app sslmode=disable connect_timeout=1")
	if err == nil || pool != nil {
		t.Fatalf("NewPool() = %v, %v; want an error", pool, err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("NewPool() kept retrying for %s after the context ended", elapsed)
	}
}

func TestPGFeed_DecodeFullPayload(t *testing.T) {
	f := &PGFeed{fetch: func(context.Context, string, string) (json.RawMessage, error) {
		t.Fatal("full payload should not hit the table")
		return nil, nil
	}}
	c, ok, err := f.decode(context.Background(), `{"op":"INSERT","table":"direct_messages","new":{"id":1,"recipient_id":"b"}}`)
	if err != nil || !ok || c.Event != Insert || string(c.NewRow) != `{"id":1,"recipient_id":"b"}` {
		t.Errorf("decode() = %+v, %v, %v", c, ok, err)
	}
}

func TestPGFeed_DecodeFetchesOversizedRow(t *testing.T) {
	var gotTable, gotID string
	f := &PGFeed{fetch: func(_ context.Context, table, id string) (json.RawMessage, error) {
		gotTable, gotID = table, id
		return json.RawMessage(`{"id":"m1","channel_id":"v1","author_id":"a","content":"@bob big"}`), nil
	}}
	c, ok, err := f.decode(context.Background(), `{"op":"INSERT","table":"chat_messages","id":"m1"}`)
	if err != nil || !ok {
		t.Fatalf("decode() ok=%v err=%v", ok, err)
	}
	if gotTable != TableChatMessages || gotID != "m1" {
		t.Errorf("fetch(%q, %q), want chat_messages m1", gotTable, gotID)
	}
	cands, err := Classifier{}.Classify(context.Background(), c)
	if err != nil || len(cands) != 1 || cands[0].UserID != "bob" {
		t.Errorf("candidates = %+v, %v", cands, err)
	}
}

func TestPGFeed_DecodeSkipsVanishedRow(t *testing.T) {
	f := &PGFeed{fetch: func(context.Context, string, string) (json.RawMessage, error) {
		return nil, pgx.ErrNoRows
	}}
	if _, ok, err := f.decode(context.Background(), `{"op":"UPDATE","table":"civic_alerts","id":"c1"}`); ok || err != nil {
		t.Errorf("decode() ok=%v err=%v, want skipped without error", ok, err)
	}
}

func TestTriggerFunction_FallsBackToKeyOnlyPayload(t *testing.T) {
	if !strings.Contains(triggerFunction, "octet_length(payload) > 7900") {
		t.Error("trigger does not guard the NOTIFY payload size")
	}
	if !strings.Contains(triggerFunction, "'id', CASE WHEN TG_OP") {
		t.Error("oversized payload does not carry the row id")
	}
}

func TestPayloadForTable(t *testing.T) {
	if !payloadForTable(`{"table":"civic_alerts","id":"1"}`, TableCivicAlerts) {
		t.Error("matching table rejected")
	}
	if payloadForTable(`{"table":"polls"}`, TableCivicAlerts) || payloadForTable(`not json`, TableCivicAlerts) {
		t.Error("foreign or broken payload accepted")
	}
}
