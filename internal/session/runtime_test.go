package session

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/adapter"
	"github.com/tetherhq/tether/internal/schema"
	"github.com/tetherhq/tether/internal/store"
)

// stubAdapter drives /bin/sh so runtime tests exercise real child processes
// without any AI CLI installed. Each send runs the configured script.
type stubAdapter struct {
	script string
}

func (s *stubAdapter) Tool() string                { return "stub" }
func (s *stubAdapter) Executables() []string       { return []string{"sh"} }
func (s *stubAdapter) Strategy() adapter.Strategy  { return adapter.StrategyANSIText }
func (s *stubAdapter) CreateArgs(adapter.Options) ([]string, bool) { return nil, false }

func (s *stubAdapter) SendArgs(_, _ string, _ adapter.Options) []string {
	return []string{"-c", s.script}
}

func (s *stubAdapter) InteractiveArgs(_ string, _ adapter.Options) []string {
	return []string{"-c", s.script}
}

func (s *stubAdapter) ParseCreateOutput(string) (string, error) { return "", nil }

func (s *stubAdapter) ParseJSONEvent(line []byte) []schema.Block {
	return []schema.Block{schema.RawBlock(line)}
}

func (s *stubAdapter) ParseTextLine(stripped, _ string) schema.Block {
	return schema.Text(stripped)
}

func (s *stubAdapter) DetectApproval(stripped string) (string, bool) {
	if strings.Contains(stripped, "(y/n)") {
		return schema.ApprovalFileEdit, true
	}
	return "", false
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestRuntime(t *testing.T, script string) (*Runtime, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	conv := schema.NewConversation("c1", "stub", "", "", schema.ModeAgent)
	if err := st.SaveConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	r := NewRuntime(conv, &stubAdapter{script: script}, "/bin/sh", st, testLogger(), Options{
		SubscriberBuffer: 64,
		GracePeriod:      500 * time.Millisecond,
	})
	return r, st
}

func newInteractiveRuntime(t *testing.T, script string) (*Runtime, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	conv := schema.NewConversation("c1", "stub", "", "", schema.ModeAgent)
	conv.Interactive = true
	if err := st.SaveConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	r := NewRuntime(conv, &stubAdapter{script: script}, "/bin/sh", st, testLogger(), Options{
		SubscriberBuffer: 64,
		GracePeriod:      500 * time.Millisecond,
		Interactive:      true,
	})
	return r, st
}

// waitMessages polls the store until pred is satisfied or the deadline hits.
func waitMessages(t *testing.T, st *store.Store, pred func([]schema.Message) bool) []schema.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := st.GetMessages(context.Background(), "c1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if pred(msgs) {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for messages")
	return nil
}

func waitState(t *testing.T, r *Runtime, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, r.State())
}

func TestHeadlessTurn(t *testing.T) {
	r, st := newTestRuntime(t, `printf 'hello\nworld\n'`)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.State() != StateRunning {
		t.Fatalf("state = %s", r.State())
	}

	if err := r.Send(ctx, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := waitMessages(t, st, func(msgs []schema.Message) bool { return len(msgs) >= 3 })
	if msgs[0].Role != schema.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("first message should be the stored user text: %+v", msgs[0])
	}
	var texts []string
	for _, m := range msgs[1:] {
		if m.Type == schema.KindText {
			texts = append(texts, m.Content)
		}
	}
	if len(texts) < 2 || texts[0] != "hello" || texts[1] != "world" {
		t.Errorf("child output = %v", texts)
	}

	// Turn completion leaves the session running.
	waitState(t, r, StateRunning)
}

func TestSendBeforeStartRejected(t *testing.T) {
	r, _ := newTestRuntime(t, `true`)
	if err := r.Send(context.Background(), "hi"); err == nil {
		t.Fatal("send before start should fail")
	}
}

func TestChildFailureMarksErrored(t *testing.T) {
	r, st := newTestRuntime(t, `echo partial; exit 3`)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(ctx, "hi"); err != nil {
		t.Fatal(err)
	}

	waitState(t, r, StateErrored)

	msgs := waitMessages(t, st, func(msgs []schema.Message) bool {
		for _, m := range msgs {
			if m.Type == schema.KindError {
				return true
			}
		}
		return false
	})
	var sawPartialOutput bool
	for _, m := range msgs {
		if m.Type == schema.KindText && m.Content == "partial" {
			sawPartialOutput = true
		}
	}
	if !sawPartialOutput {
		t.Error("output before the crash should still be persisted")
	}

	conv, err := st.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != schema.StatusErrored {
		t.Errorf("status = %s, want errored", conv.Status)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	// The child asks for approval, waits for the answer on stdin, then
	// echoes what it got.
	r, st := newTestRuntime(t, `echo "Do you want to edit file x? (y/n)"; read ans; echo "answer:$ans"`)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(ctx, "edit the file"); err != nil {
		t.Fatal(err)
	}

	waitMessages(t, st, func(msgs []schema.Message) bool {
		for _, m := range msgs {
			if m.Type == schema.KindApprovalRequest {
				return true
			}
		}
		return false
	})

	if err := r.Send(ctx, "y"); err != nil {
		t.Fatalf("approval reply: %v", err)
	}

	msgs := waitMessages(t, st, func(msgs []schema.Message) bool {
		for _, m := range msgs {
			if m.Content == "answer:y" {
				return true
			}
		}
		return false
	})

	// The reply itself is stored as a user text block.
	var sawUserReply bool
	for _, m := range msgs {
		if m.Role == schema.RoleUser && m.Content == "y" {
			sawUserReply = true
		}
	}
	if !sawUserReply {
		t.Error("approval reply not stored as user text")
	}
}

func TestSuspendKillsChildAndPersists(t *testing.T) {
	r, st := newTestRuntime(t, `echo started; sleep 30`)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(ctx, "go"); err != nil {
		t.Fatal(err)
	}
	waitMessages(t, st, func(msgs []schema.Message) bool {
		for _, m := range msgs {
			if m.Content == "started" {
				return true
			}
		}
		return false
	})

	start := time.Now()
	if err := r.Suspend(ctx); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("suspend took %v, should respect the grace period", elapsed)
	}
	if r.State() != StateSuspended {
		t.Errorf("state = %s", r.State())
	}

	conv, err := st.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != schema.StatusSuspended {
		t.Errorf("status = %s, want suspended", conv.Status)
	}

	if err := r.Suspend(ctx); err != nil {
		t.Errorf("second suspend should be a no-op: %v", err)
	}
}

func TestInteractiveSessionRoundTrip(t *testing.T) {
	// One long-lived child for the whole session; input arrives over the pty.
	r, st := newInteractiveRuntime(t, `read line; echo "got:$line"`)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.State() != StateRunning {
		t.Fatalf("state = %s", r.State())
	}

	if err := r.Send(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := waitMessages(t, st, func(msgs []schema.Message) bool {
		for _, m := range msgs {
			if m.Content == "got:hello" {
				return true
			}
		}
		return false
	})
	if msgs[0].Role != schema.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first message should be the stored user text: %+v", msgs[0])
	}

	// The child exits cleanly after its one line; the session ends.
	waitState(t, r, StateEnded)
	waitMessages(t, st, func(msgs []schema.Message) bool {
		for _, m := range msgs {
			if m.Type == schema.KindSessionEnd {
				return true
			}
		}
		return false
	})

	conv, err := st.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != schema.StatusEnded {
		t.Errorf("status = %s, want ended", conv.Status)
	}
}

func TestInteractiveSuspendKillsChild(t *testing.T) {
	r, st := newInteractiveRuntime(t, `sleep 30`)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := r.Suspend(ctx); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("suspend took %v, should respect the grace period", elapsed)
	}
	if r.State() != StateSuspended {
		t.Errorf("state = %s", r.State())
	}

	conv, err := st.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != schema.StatusSuspended {
		t.Errorf("status = %s, want suspended", conv.Status)
	}
}

func TestAttachSeesSnapshotAndLive(t *testing.T) {
	r, _ := newTestRuntime(t, `printf 'one\ntwo\n'`)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := r.Send(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	// Wait for the first turn to finish so its output lands in the snapshot.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs, _ := r.Snapshot(ctx, 0); len(msgs) >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := newCollector()
	unsub, err := r.Attach(ctx, 0, c.deliver, c.onDrop)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	c.waitFor(t, 3) // user text + two output lines

	if err := r.Send(ctx, "second"); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, 6)
}
