package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tetherhq/tether/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := schema.NewConversation("c1", schema.ToolClaude, "/tmp/p", "sonnet", schema.ModeAgent)
	conv.Interactive = true
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tool != schema.ToolClaude || got.ProjectPath != "/tmp/p" || got.Status != schema.StatusRunning {
		t.Errorf("got %+v", got)
	}
	if !got.Interactive {
		t.Error("interactive flag did not round-trip")
	}

	// Upsert by id.
	conv.Topic = "refactoring"
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.Topic != "refactoring" {
		t.Errorf("topic = %q", got.Topic)
	}

	if err := s.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetConversation(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	if err := s.UpdateConversationStatus(context.Background(), "ghost", schema.StatusEnded); !errors.Is(err, ErrNotFound) {
		t.Errorf("update: want ErrNotFound, got %v", err)
	}
	if err := s.DeleteConversation(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete: want ErrNotFound, got %v", err)
	}
}

func TestListOrderedByUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		conv := schema.NewConversation(id, schema.ToolGemini, "", "", schema.ModeAgent)
		if err := s.SaveConversation(ctx, conv); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	// Touch "a" so it becomes the most recent.
	if err := s.UpdateConversationStatus(ctx, "a", schema.StatusSuspended); err != nil {
		t.Fatalf("touch: %v", err)
	}

	convs, err := s.GetAllConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations", len(convs))
	}
	if convs[0].ID != "a" {
		t.Errorf("most recent = %q, want a (order: %v)", convs[0].ID, ids(convs))
	}
}

func ids(convs []schema.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestMessagesOrderAndCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := schema.NewConversation("c1", schema.ToolClaude, "", "", schema.ModeAgent)
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	// Same timestamp: insertion order must break the tie.
	base := int64(1000)
	for i, content := range []string{"one", "two", "three"} {
		m := schema.NewMessage("c1", schema.Text(content))
		m.Timestamp = base
		if i == 2 {
			m.Timestamp = base + 5
		}
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}

	msgs, err := s.GetMessages(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Content != want {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Content, want)
		}
	}

	// Cursor is inclusive.
	msgs, err = s.GetMessages(ctx, "c1", base+5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "three" {
		t.Errorf("since filter: got %+v", msgs)
	}
}

func TestMessagePayloadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := schema.NewConversation("c1", schema.ToolClaude, "", "", schema.ModeAgent)
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	b, err := schema.ToolUseStart("t1", "Grep", []byte(`{"q":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := schema.NewMessage("c1", b)
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetMessages(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	got := msgs[0]
	if got.Type != schema.KindToolUseStart || got.ToolID != "t1" || got.ToolName != "Grep" {
		t.Errorf("got %+v", got)
	}
	if string(got.Input) != `{"q":"x"}` {
		t.Errorf("input = %s", got.Input)
	}
}

func TestDeleteCascadesToMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := schema.NewConversation("c1", schema.ToolClaude, "", "", schema.ModeAgent)
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, schema.NewMessage("c1", schema.Text("hi"))); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ConversationCount != 0 || stats.TotalMessages != 0 {
		t.Errorf("stats after cascade = %+v", stats)
	}
}

func TestSuspendAllActiveChats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for id, status := range map[string]schema.Status{
		"r1": schema.StatusRunning,
		"r2": schema.StatusRunning,
		"e1": schema.StatusEnded,
	} {
		conv := schema.NewConversation(id, schema.ToolGemini, "", "", schema.ModeAgent)
		conv.Status = status
		if err := s.SaveConversation(ctx, conv); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.SuspendAllActiveChats(ctx)
	if err != nil {
		t.Fatalf("suspend all: %v", err)
	}
	if n != 2 {
		t.Errorf("suspended %d, want 2", n)
	}

	ended, err := s.GetConversation(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != schema.StatusEnded {
		t.Errorf("ended conversation touched: %+v", ended)
	}
}

func TestStatsAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := schema.NewConversation("c1", schema.ToolClaude, "", "", schema.ModeAgent)
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.SaveMessage(ctx, schema.NewMessage("c1", schema.Text("m"))); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ConversationCount != 1 || stats.TotalMessages != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	s := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.GetConversation(ctx, "x"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("get: want ErrNotInitialized, got %v", err)
	}
	if err := s.SaveMessage(ctx, schema.Message{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("save: want ErrNotInitialized, got %v", err)
	}
}

// Data survives a close/reopen cycle on a real file, and schema creation is
// idempotent.
func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conv := schema.NewConversation("c1", schema.ToolCursorAgent, "/tmp/p", "", schema.ModeAgent)
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, schema.NewMessage("c1", schema.Text("hello"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.ProjectPath != "/tmp/p" {
		t.Errorf("got %+v", got)
	}
	msgs, err := s2.GetMessages(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("messages after reopen: %+v", msgs)
	}

	// The file lives at the fixed name under the data root.
	if _, err := s2.GetStats(ctx); err != nil {
		t.Fatal(err)
	}
	wantPath := filepath.Join(dir, DBFileName)
	if _, err := Open(dir); err != nil {
		t.Errorf("third open of %s failed: %v", wantPath, err)
	}
}
