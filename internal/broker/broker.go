// Package broker owns the process-wide conversation registry: it creates
// session runtimes, routes client traffic to them, recovers state after a
// restart and suspends everything on shutdown.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/adapter"
	"github.com/tetherhq/tether/internal/schema"
	"github.com/tetherhq/tether/internal/session"
	"github.com/tetherhq/tether/internal/store"
)

var (
	// ErrNotFound is returned for operations on unknown conversations.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidState is returned when an operation does not apply to the
	// conversation's current status.
	ErrInvalidState = errors.New("invalid conversation state")
	// ErrAdapterUnavailable is returned when the requested tool has no
	// working executable.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
)

// Options tune the broker and the runtimes it creates.
type Options struct {
	SubscriberBuffer int
	MaxLineBytes     int
	GracePeriod      time.Duration
	// IdleTimeout suspends runtimes with no subscribers and no pending
	// work. Zero disables the reaper.
	IdleTimeout time.Duration
}

// Broker maps conversation ids to live session runtimes.
type Broker struct {
	registry *adapter.Registry
	store    *store.Store
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	runtimes map[string]*session.Runtime
	// suspending holds ids whose runtime was removed from the map but whose
	// suspended status is not yet durable. runtimeFor waits on the channel
	// before reading the stored status, so a concurrent send or attach cannot
	// reanimate against a status that is about to flip.
	suspending map[string]chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a broker. Call Start before serving traffic.
func New(reg *adapter.Registry, st *store.Store, logger *slog.Logger, opts Options) *Broker {
	return &Broker{
		registry:   reg,
		store:      st,
		logger:     logger.With("component", "broker"),
		opts:       opts,
		runtimes:   make(map[string]*session.Runtime),
		suspending: make(map[string]chan struct{}),
		done:       make(chan struct{}),
	}
}

// markSuspending registers id as mid-suspend. Callers must hold b.mu and must
// pair it with clearSuspending once the suspend is durable.
func (b *Broker) markSuspending(id string) chan struct{} {
	ch := make(chan struct{})
	b.suspending[id] = ch
	return ch
}

func (b *Broker) clearSuspending(id string, ch chan struct{}) {
	b.mu.Lock()
	delete(b.suspending, id)
	b.mu.Unlock()
	close(ch)
}

// Start recovers from a previous crash by marking leftover running
// conversations suspended, and launches the idle reaper. Suspended sessions
// are not auto-resurrected; they reanimate on next attach.
func (b *Broker) Start(ctx context.Context) error {
	n, err := b.store.SuspendAllActiveChats(ctx)
	if err != nil {
		return fmt.Errorf("recover conversations: %w", err)
	}
	if n > 0 {
		b.logger.Info("recovered stale conversations", "count", n)
	}

	if b.opts.IdleTimeout > 0 {
		b.wg.Add(1)
		go b.reapIdle()
	}
	return nil
}

// CreateSession creates a conversation and its runtime, returning the new id
// and the subscriber cursor positioned at the conversation's beginning.
// Interactive conversations keep one long-lived PTY child; headless ones
// spawn a child per user message.
func (b *Broker) CreateSession(ctx context.Context, tool, projectPath, model, mode string, interactive bool) (string, int64, error) {
	a, err := b.registry.Get(tool)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrAdapterUnavailable, tool)
	}
	exePath, err := b.registry.Resolve(tool)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrAdapterUnavailable, tool)
	}

	var id string
	if createArgs, ok := a.CreateArgs(adapter.Options{ProjectPath: projectPath, Model: model, Mode: mode}); ok {
		// Only stdout feeds the id parser; CLI warnings on stderr must not
		// corrupt the session id.
		out, err := exec.CommandContext(ctx, exePath, createArgs...).Output()
		if err != nil {
			detail := ""
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				detail = ": " + strings.TrimSpace(string(exitErr.Stderr))
			}
			return "", 0, fmt.Errorf("create session with %s: %w%s", tool, err, detail)
		}
		id, err = a.ParseCreateOutput(string(out))
		if err != nil {
			return "", 0, fmt.Errorf("create session with %s: %w", tool, err)
		}
	} else {
		id = uuid.New().String()
	}

	conv := schema.NewConversation(id, tool, projectPath, model, mode)
	conv.Interactive = interactive
	if err := b.store.SaveConversation(ctx, conv); err != nil {
		return "", 0, fmt.Errorf("persist conversation: %w", err)
	}

	rt := b.newRuntime(conv, a, exePath)
	if err := rt.Start(ctx); err != nil {
		return "", 0, err
	}

	b.mu.Lock()
	b.runtimes[id] = rt
	b.mu.Unlock()

	b.logger.Info("conversation created", "conversation_id", id, "tool", tool)
	return id, conv.CreatedAt, nil
}

func (b *Broker) newRuntime(conv schema.Conversation, a adapter.Adapter, exePath string) *session.Runtime {
	return session.NewRuntime(conv, a, exePath, b.store, b.logger, session.Options{
		SubscriberBuffer: b.opts.SubscriberBuffer,
		MaxLineBytes:     b.opts.MaxLineBytes,
		GracePeriod:      b.opts.GracePeriod,
		Interactive:      conv.Interactive,
	})
}

// runtimeFor returns the live runtime, reanimating a suspended conversation
// when necessary. A suspend in flight for the id is waited out first, so the
// stored status read below cannot race the suspend's status write.
func (b *Broker) runtimeFor(ctx context.Context, id string) (*session.Runtime, error) {
	for {
		b.mu.Lock()
		ch, mid := b.suspending[id]
		if !mid {
			break
		}
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer b.mu.Unlock()

	if rt, ok := b.runtimes[id]; ok {
		switch rt.State() {
		case session.StateEnded, session.StateErrored:
			return nil, fmt.Errorf("%w: conversation %s is %s", ErrInvalidState, id, rt.State())
		case session.StateSuspended:
			delete(b.runtimes, id) // rebuild below
		default:
			return rt, nil
		}
	}

	conv, err := b.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	switch conv.Status {
	case schema.StatusRunning, schema.StatusSuspended:
	default:
		return nil, fmt.Errorf("%w: conversation %s is %s", ErrInvalidState, id, conv.Status)
	}

	a, err := b.registry.Get(conv.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAdapterUnavailable, conv.Tool)
	}
	exePath, err := b.registry.Resolve(conv.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAdapterUnavailable, conv.Tool)
	}

	rt := b.newRuntime(conv, a, exePath)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	if conv.Status == schema.StatusSuspended {
		if err := b.store.UpdateConversationStatus(ctx, id, schema.StatusRunning); err != nil {
			return nil, fmt.Errorf("reanimate conversation: %w", err)
		}
		b.logger.Info("conversation reanimated", "conversation_id", id)
	}
	b.runtimes[id] = rt
	return rt, nil
}

// Attach subscribes to a conversation's live stream from cursor. Suspended
// conversations are reanimated. The returned function unsubscribes.
func (b *Broker) Attach(ctx context.Context, id string, cursor int64, deliver session.Deliver, onDrop session.DropHandler) (func(), error) {
	rt, err := b.runtimeFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return rt.Attach(ctx, cursor, deliver, onDrop)
}

// Send enqueues a user message on the conversation's runtime. It returns
// once the user record is durable.
func (b *Broker) Send(ctx context.Context, id, message string) error {
	rt, err := b.runtimeFor(ctx, id)
	if err != nil {
		return err
	}
	return rt.Send(ctx, message)
}

// CloseSession gracefully suspends a conversation's runtime.
func (b *Broker) CloseSession(ctx context.Context, id string) error {
	b.mu.Lock()
	rt, ok := b.runtimes[id]
	var ch chan struct{}
	if ok {
		delete(b.runtimes, id)
		ch = b.markSuspending(id)
	}
	b.mu.Unlock()

	if !ok {
		// Not live; still flip a stored running conversation to suspended.
		conv, err := b.store.GetConversation(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		if conv.Status == schema.StatusRunning {
			return b.store.UpdateConversationStatus(ctx, id, schema.StatusSuspended)
		}
		return nil
	}
	err := rt.Suspend(ctx)
	b.clearSuspending(id, ch)
	return err
}

// DeleteConversation suspends any live runtime and removes the conversation
// and its transcript.
func (b *Broker) DeleteConversation(ctx context.Context, id string) error {
	b.mu.Lock()
	rt, ok := b.runtimes[id]
	var ch chan struct{}
	if ok {
		delete(b.runtimes, id)
		ch = b.markSuspending(id)
	}
	b.mu.Unlock()
	if ok {
		_ = rt.Suspend(ctx)
		b.clearSuspending(id, ch)
	}

	if err := b.store.DeleteConversation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// GetConversation returns a conversation snapshot.
func (b *Broker) GetConversation(ctx context.Context, id string) (schema.Conversation, error) {
	conv, err := b.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return schema.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv, err
}

// ListConversations returns all conversations, most recently updated first.
func (b *Broker) ListConversations(ctx context.Context) ([]schema.Conversation, error) {
	return b.store.GetAllConversations(ctx)
}

// GetMessages returns a conversation's transcript from cursor.
func (b *Broker) GetMessages(ctx context.Context, id string, since int64) ([]schema.Message, error) {
	if _, err := b.store.GetConversation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return b.store.GetMessages(ctx, id, since)
}

// Stats returns the store's cheap aggregate.
func (b *Broker) Stats(ctx context.Context) (store.Stats, error) {
	return b.store.GetStats(ctx)
}

// Tools returns the registered tool names.
func (b *Broker) Tools() []string { return b.registry.Tools() }

// reapIdle periodically suspends runtimes with no subscribers and no
// pending work.
func (b *Broker) reapIdle() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}

		type reaped struct {
			rt *session.Runtime
			ch chan struct{}
		}
		b.mu.Lock()
		var idle []reaped
		for id, rt := range b.runtimes {
			if rt.Idle(b.opts.IdleTimeout) {
				delete(b.runtimes, id)
				idle = append(idle, reaped{rt, b.markSuspending(id)})
			}
		}
		b.mu.Unlock()

		for _, r := range idle {
			id := r.rt.Conversation().ID
			b.logger.Info("suspending idle conversation", "conversation_id", id)
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.GracePeriod+time.Second)
			_ = r.rt.Suspend(ctx)
			cancel()
			b.clearSuspending(id, r.ch)
		}
	}
}

// Shutdown suspends every live runtime in parallel within the grace period,
// sweeps any stragglers in the store and closes it.
func (b *Broker) Shutdown(ctx context.Context) error {
	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	runtimes := make(map[*session.Runtime]chan struct{}, len(b.runtimes))
	for id, rt := range b.runtimes {
		runtimes[rt] = b.markSuspending(id)
		delete(b.runtimes, id)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for rt, ch := range runtimes {
		wg.Add(1)
		go func(rt *session.Runtime, ch chan struct{}) {
			defer wg.Done()
			id := rt.Conversation().ID
			if err := rt.Suspend(ctx); err != nil {
				b.logger.Error("suspend on shutdown failed", "conversation_id", id, "error", err)
			}
			b.clearSuspending(id, ch)
		}(rt, ch)
	}
	wg.Wait()

	if _, err := b.store.SuspendAllActiveChats(ctx); err != nil {
		b.logger.Error("final suspend sweep failed", "error", err)
	}
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	b.logger.Info("broker stopped")
	return nil
}
