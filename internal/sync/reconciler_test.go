package sync

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/lifetrack/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var received = time.UnixMilli(1_700_000_999_000)

func TestParseRecordCamelCase(t *testing.T) {
	res := ParseRecord(json.RawMessage(`{
		"id": "s1", "clientMessageId": "c1", "fromUserId": "A", "toUserId": "B",
		"contentType": "ciphertext", "content": "b64", "createdAt": "2024-03-01T12:00:00.250Z", "readAt": null
	}`), received)
	if !res.OK() {
		t.Fatalf("rejected: %s", res.Reason)
	}
	want := store.RemoteMessage{
		ServerMessageID: "s1", ClientMessageID: "c1", FromUserID: "A", ToUserID: "B",
		ContentType: store.ContentCiphertext, Content: "b64",
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 250_000_000, time.UTC).UnixMilli(),
	}
	if res.Record != want {
		t.Errorf("record = %+v, want %+v", res.Record, want)
	}
}

func TestParseRecordAliases(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"snake_case", `{"server_message_id":"s1","client_message_id":"c1","from_user_id":"A","to_user_id":"B","content_type":"text","content":"x","created_at":1700000000000}`},
		{"sender/recipient", `{"id":"s1","clientMessageId":"c1","senderId":"A","recipientId":"B","content":"x","createdAt":"1700000000000"}`},
		{"numeric id", `{"id":1,"clientMessageId":"c1","fromUserId":"A","toUserId":"B","content":"x","createdAt":1700000000000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseRecord(json.RawMessage(tt.raw), received)
			if !res.OK() {
				t.Fatalf("rejected: %s", res.Reason)
			}
			r := res.Record
			if r.ClientMessageID != "c1" || r.FromUserID != "A" || r.ToUserID != "B" || r.CreatedAt != 1_700_000_000_000 {
				t.Errorf("record = %+v", r)
			}
			if r.ServerMessageID != "s1" && r.ServerMessageID != "1" {
				t.Errorf("server id = %q", r.ServerMessageID)
			}
			if r.ContentType != store.ContentText {
				t.Errorf("content type = %q, want text", r.ContentType)
			}
		})
	}
}

func TestParseRecordRejects(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`not json`, RejectMalformed},
		{`[1,2]`, RejectMalformed},
		{`null`, RejectMalformed},
		{`{"clientMessageId":"c1","fromUserId":"A","toUserId":"B","content":"x"}`, RejectMissingID},
		{`{"id":"s1","fromUserId":"A","toUserId":"B","content":"x"}`, RejectMissingClientID},
		{`{"id":"s1","clientMessageId":"c1","toUserId":"B","content":"x"}`, RejectMissingFrom},
		{`{"id":"s1","clientMessageId":"c1","fromUserId":"A","content":"x"}`, RejectMissingTo},
		{`{"id":"s1","clientMessageId":"c1","fromUserId":"A","toUserId":"B"}`, RejectMissingContent},
		{`{"id":"s1","clientMessageId":"c1","fromUserId":"A","toUserId":"B","content":null}`, RejectMissingContent},
		{`{"id":"s1","clientMessageId":"c1","fromUserId":"A","toUserId":"B","content":"x","createdAt":"last tuesday"}`, RejectBadCreatedAt},
	}
	for _, tt := range tests {
		res := ParseRecord(json.RawMessage(tt.raw), received)
		if res.Reason != tt.want {
			t.Errorf("ParseRecord(%s) reason = %q, want %q", tt.raw, res.Reason, tt.want)
		}
	}
}

func TestParseRecordDefaults(t *testing.T) {
	res := ParseRecord(json.RawMessage(`{"id":"s1","clientMessageId":"c1","fromUserId":"A","toUserId":"B","content":"x","contentType":"video","readAt":"garbage"}`), received)
	if !res.OK() {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if res.Record.ContentType != store.ContentText {
		t.Errorf("content type = %q, want text fallback", res.Record.ContentType)
	}
	if res.Record.CreatedAt != received.UnixMilli() {
		t.Errorf("createdAt = %d, want receive time", res.Record.CreatedAt)
	}
	if res.Record.ReadAt != 0 {
		t.Errorf("readAt = %d, want unread", res.Record.ReadAt)
	}
}

func TestApplyDropsWithoutTouchingStore(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)

	res, err := r.Apply(json.RawMessage(`{"id":"s1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Merged {
		t.Error("incomplete record merged")
	}
	if msgs, _ := db.Conversation("A", "B", 0, 10); len(msgs) != 0 {
		t.Errorf("store has %d rows, want 0", len(msgs))
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	raw := json.RawMessage(`{"id":"s1","clientMessageId":"c1","fromUserId":"B","toUserId":"A","content":"x","createdAt":1000}`)

	first, err := r.Apply(raw)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Apply(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Inserted || second.Inserted || !second.Merged {
		t.Errorf("first=%+v second=%+v, want insert then in-place merge", first, second)
	}
	if msgs, _ := db.Conversation("A", "B", 0, 10); len(msgs) != 1 {
		t.Errorf("store has %d rows, want 1", len(msgs))
	}
}

func TestApplyConversationRejectsForeignRecords(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)

	res, err := r.ApplyConversation(json.RawMessage(`{"id":"s1","clientMessageId":"c1","fromUserId":"X","toUserId":"Y","content":"x"}`), "A", "B")
	if err != nil {
		t.Fatal(err)
	}
	if res.Merged || res.Reason != RejectForeign {
		t.Errorf("result = %+v, want foreign rejection", res)
	}
}

func TestApplyEchoFillsFromSentMessage(t *testing.T) {
	db := testDB(t)
	sent := &store.Message{ClientMessageID: "c1", FromUserID: "A", ToUserID: "B", ContentType: store.ContentText, Content: "hi", CreatedAt: 500}
	if _, err := db.InsertOutgoing(sent); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(db, nil)
	merged, err := r.ApplyEcho(json.RawMessage(`{"id":"s1","createdAt":1234}`), *sent)
	if err != nil {
		t.Fatal(err)
	}
	if !merged {
		t.Fatal("terse echo was rejected")
	}

	m, err := db.GetByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if m.ServerMessageID != "s1" || m.CreatedAt != 1234 || m.Content != "hi" {
		t.Errorf("row = %+v, want server id s1 and createdAt 1234", m)
	}
}

func TestApplyEchoRejectsMismatchedClientID(t *testing.T) {
	db := testDB(t)
	sent := &store.Message{ClientMessageID: "c1", FromUserID: "A", ToUserID: "B", ContentType: store.ContentText, Content: "hi", CreatedAt: 500}
	if _, err := db.InsertOutgoing(sent); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(db, nil)
	merged, err := r.ApplyEcho(json.RawMessage(`{"id":"s9","clientMessageId":"other","fromUserId":"A","toUserId":"B","content":"hi"}`), *sent)
	if err != nil {
		t.Fatal(err)
	}
	if merged {
		t.Error("echo for another message was merged")
	}

	msgs, err := db.Conversation("A", "B", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("store has %d rows, want 1", len(msgs))
	}
	if msgs[0].ServerMessageID != "" {
		t.Errorf("sent row got server id %q from a foreign echo", msgs[0].ServerMessageID)
	}
	if _, err := db.GetByClientID("other"); err == nil {
		t.Error("mismatched echo created a row")
	}
}

func TestParseRecordKeepsStructuredContent(t *testing.T) {
	res := ParseRecord(json.RawMessage(`{"id":"s1","clientMessageId":"c1","fromUserId":"A","toUserId":"B","contentType":"ciphertext","content":{ "url": "https://x/y.png", "w": 10 }}`), received)
	if !res.OK() {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if want := `{"url":"https://x/y.png","w":10}`; res.Record.Content != want {
		t.Errorf("content = %q, want %q", res.Record.Content, want)
	}

	res = ParseRecord(json.RawMessage(`{"id":"s2","clientMessageId":"c2","fromUserId":"A","toUserId":"B","content":42}`), received)
	if !res.OK() || res.Record.Content != "42" {
		t.Errorf("numeric content = %+v, want literal 42", res)
	}
}
