// Package session owns the per-conversation runtime: the child process, the
// parser loop, and subscriber fan-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/tetherhq/tether/internal/adapter"
	"github.com/tetherhq/tether/internal/parser"
	"github.com/tetherhq/tether/internal/schema"
	"github.com/tetherhq/tether/internal/store"
)

// State represents a runtime's lifecycle state.
type State string

const (
	StateNew        State = "new"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateSuspending State = "suspending"
	StateSuspended  State = "suspended"
	StateEnded      State = "ended"
	StateErrored    State = "errored"
)

// ErrNotRunning is returned by Send when the runtime is not accepting input.
var ErrNotRunning = errors.New("session not running")

// DefaultGracePeriod bounds how long Suspend waits for SIGTERM to take
// effect before force-killing the child.
const DefaultGracePeriod = 5 * time.Second

// saveAttempts and saveBackoff govern the store-write retry inside the
// parser loop. Persistent failure transitions the runtime to Errored.
const saveAttempts = 3
const saveBackoff = 50 * time.Millisecond

// Options tune one runtime.
type Options struct {
	SubscriberBuffer int
	MaxLineBytes     int
	GracePeriod      time.Duration
	// Interactive keeps one long-lived PTY child instead of spawning a
	// fresh headless child per user message.
	Interactive bool
}

// Runtime is the state machine for one conversation. It owns the child
// process and tags every parsed block with the conversation before storing
// and publishing it.
type Runtime struct {
	conv    schema.Conversation
	adapter adapter.Adapter
	exePath string
	store   *store.Store
	hub     *Hub
	logger  *slog.Logger
	opts    Options

	mu              sync.Mutex
	state           State
	child           *exec.Cmd
	childStdin      io.WriteCloser
	ptyFile         *os.File
	pendingApproval bool
	turnActive      bool
	lastActivity    time.Time
	cancel          context.CancelFunc

	wg sync.WaitGroup
}

// NewRuntime creates a runtime in state New.
func NewRuntime(conv schema.Conversation, a adapter.Adapter, exePath string, st *store.Store, logger *slog.Logger, opts Options) *Runtime {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Runtime{
		conv:         conv,
		adapter:      a,
		exePath:      exePath,
		store:        st,
		hub:          NewHub(opts.SubscriberBuffer),
		logger:       logger.With("component", "session", "conversation_id", conv.ID, "tool", conv.Tool),
		opts:         opts,
		state:        StateNew,
		lastActivity: time.Now(),
	}
}

// Conversation returns the conversation this runtime serves.
func (r *Runtime) Conversation() schema.Conversation { return r.conv }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Idle reports whether the runtime has no subscribers, no running turn and
// no activity since t.
func (r *Runtime) Idle(since time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRunning &&
		!r.turnActive &&
		r.hub.SubscriberCount() == 0 &&
		time.Since(r.lastActivity) >= since
}

func (r *Runtime) adapterOptions() adapter.Options {
	return adapter.Options{
		ProjectPath: r.conv.ProjectPath,
		Model:       r.conv.Model,
		Mode:        r.conv.Mode,
	}
}

// Start moves New to Running. In interactive mode it spawns the long-lived
// PTY child; in headless mode children are spawned per user message.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateNew && r.state != StateSuspended {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start from state %s", ErrNotRunning, r.state)
	}
	r.state = StateStarting
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if !r.opts.Interactive {
		r.setState(StateRunning)
		return nil
	}

	args := r.adapter.InteractiveArgs(r.conv.ID, r.adapterOptions())
	cmd := exec.CommandContext(ctx, r.exePath, args...)
	if r.conv.ProjectPath != "" {
		cmd.Dir = r.conv.ProjectPath
	}
	f, err := pty.Start(cmd)
	if err != nil {
		cancel()
		r.setState(StateErrored)
		r.persistStatus(schema.StatusErrored)
		return fmt.Errorf("spawn %s: %w", r.conv.Tool, err)
	}

	r.mu.Lock()
	r.child = cmd
	r.ptyFile = f
	r.state = StateRunning
	r.mu.Unlock()
	r.logger.Info("interactive child started", "pid", cmd.Process.Pid)

	p := parser.New(r.adapter, r.opts.MaxLineBytes)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readLoop(ctx, f, p)
		err := cmd.Wait()
		f.Close()
		r.finishInteractive(err)
	}()
	return nil
}

// finishInteractive resolves the terminal state once the long-lived child
// exits on its own.
func (r *Runtime) finishInteractive(waitErr error) {
	r.mu.Lock()
	suspending := r.state == StateSuspending
	r.child = nil
	r.ptyFile = nil
	r.mu.Unlock()
	if suspending {
		return // Suspend owns the transition
	}

	if waitErr != nil {
		r.logger.Warn("interactive child exited abnormally", "error", waitErr)
		r.emit(schema.SessionEnd(waitErr.Error(), true))
		r.setState(StateErrored)
		r.persistStatus(schema.StatusErrored)
		return
	}
	r.emit(schema.SessionEnd("exit", false))
	r.setState(StateEnded)
	r.persistStatus(schema.StatusEnded)
}

// Send stores the user's text and forwards it to the child. For a pending
// approval prompt the reply is routed as the y/n answer; otherwise headless
// runtimes spawn a fresh child for the turn and interactive runtimes write
// the line to the PTY. Send returns once the user record is durable; it does
// not wait for the child's reply.
func (r *Runtime) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotRunning, r.state)
	}
	pending := r.pendingApproval
	r.lastActivity = time.Now()
	r.mu.Unlock()

	if err := r.emitBlock(ctx, schema.UserText(text)); err != nil {
		return err
	}

	if pending && (adapter.IsAffirmative(text) || adapter.IsNegative(text)) {
		return r.answerApproval(text)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.Interactive {
		if r.ptyFile == nil {
			return fmt.Errorf("%w: no child", ErrNotRunning)
		}
		if _, err := io.WriteString(r.ptyFile, text+"\n"); err != nil {
			return fmt.Errorf("write to child: %w", err)
		}
		return nil
	}

	if r.turnActive {
		// The previous turn's child is still streaming; forward the text to
		// its stdin rather than racing a second child for the session.
		if r.childStdin != nil {
			if _, err := io.WriteString(r.childStdin, text+"\n"); err != nil {
				return fmt.Errorf("write to child: %w", err)
			}
			return nil
		}
		return fmt.Errorf("%w: turn in progress", ErrNotRunning)
	}
	r.turnActive = true
	r.wg.Add(1)
	go r.runTurn(text)
	return nil
}

// answerApproval writes y or n to the waiting child.
func (r *Runtime) answerApproval(text string) error {
	answer := "n\n"
	if adapter.IsAffirmative(text) {
		answer = "y\n"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingApproval = false

	var w io.Writer
	switch {
	case r.ptyFile != nil:
		w = r.ptyFile
	case r.childStdin != nil:
		w = r.childStdin
	default:
		return fmt.Errorf("%w: no child awaiting approval", ErrNotRunning)
	}
	if _, err := io.WriteString(w, answer); err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	r.logger.Info("approval answered", "answer", answer[:1])
	return nil
}

// runTurn spawns one headless child for a user message and streams its
// stdout through the parser until EOF.
func (r *Runtime) runTurn(text string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.turnActive = false
		r.childStdin = nil
		r.child = nil
		r.lastActivity = time.Now()
		r.mu.Unlock()
	}()

	// Suspend terminates the turn through the child's process handle, so a
	// plain background context is enough here.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	args := r.adapter.SendArgs(r.conv.ID, text, r.adapterOptions())
	cmd := exec.CommandContext(ctx, r.exePath, args...)
	if r.conv.ProjectPath != "" {
		cmd.Dir = r.conv.ProjectPath
	}
	// Own process group, so Suspend can take down the whole child tree and
	// release the output pipe.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.failTurn(fmt.Errorf("stdout pipe: %w", err))
		return
	}
	cmd.Stderr = cmd.Stdout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.failTurn(fmt.Errorf("stdin pipe: %w", err))
		return
	}

	if err := cmd.Start(); err != nil {
		r.failTurn(fmt.Errorf("spawn %s: %w", r.conv.Tool, err))
		return
	}
	r.mu.Lock()
	r.child = cmd
	r.childStdin = stdin
	r.mu.Unlock()
	r.logger.Debug("turn child started", "pid", cmd.Process.Pid)

	p := parser.New(r.adapter, r.opts.MaxLineBytes)
	r.readLoop(ctx, stdout, p)
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		r.failTurn(fmt.Errorf("child exited: %w", err))
		return
	}
	r.logger.Debug("turn complete")
}

// failTurn persists an error block and moves the runtime to Errored. A turn
// killed by Suspend is not an error; Suspend owns that transition.
func (r *Runtime) failTurn(err error) {
	r.mu.Lock()
	suspending := r.state == StateSuspending || r.state == StateSuspended
	r.mu.Unlock()
	if suspending {
		return
	}
	r.logger.Error("turn failed", "error", err)
	r.emit(mustError(err.Error()))
	r.setState(StateErrored)
	r.persistStatus(schema.StatusErrored)
}

// readLoop pumps child output through the parser and emits every block. It
// returns when the stream hits EOF or ctx is canceled; in-flight bytes are
// flushed first.
func (r *Runtime) readLoop(ctx context.Context, rd io.Reader, p *parser.Parser) {
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			for _, b := range p.Feed(buf[:n]) {
				r.handleBlock(ctx, b)
			}
		}
		if err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	for _, b := range p.Flush() {
		r.handleBlock(ctx, b)
	}
}

func (r *Runtime) handleBlock(ctx context.Context, b schema.Block) {
	if b.Kind == schema.KindApprovalRequest {
		r.mu.Lock()
		r.pendingApproval = true
		r.mu.Unlock()
	}
	if err := r.emitBlock(ctx, b); err != nil {
		r.setState(StateErrored)
		r.persistStatus(schema.StatusErrored)
	}
}

func (r *Runtime) emit(b schema.Block) {
	_ = r.emitBlock(context.Background(), b)
}

// emitBlock binds a block to the conversation, persists it with bounded
// retries, and fans it out. Persist and publish happen atomically with
// respect to subscriber attach.
func (r *Runtime) emitBlock(ctx context.Context, b schema.Block) error {
	m := schema.NewMessage(r.conv.ID, b)
	err := r.hub.Append(m, func() error {
		var saveErr error
		for attempt := 0; attempt < saveAttempts; attempt++ {
			if saveErr = r.store.SaveMessage(ctx, m); saveErr == nil {
				return nil
			}
			time.Sleep(saveBackoff << attempt)
		}
		return saveErr
	})
	if err != nil {
		r.logger.Error("persist message failed", "type", m.Type, "error", err)
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

// Attach registers a live subscriber. The snapshot from cursor and the
// registration happen atomically, so delivery order equals durable order
// with no gaps or duplicates.
func (r *Runtime) Attach(ctx context.Context, cursor int64, deliver Deliver, onDrop DropHandler) (func(), error) {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
	return r.hub.Attach(func() ([]schema.Message, error) {
		return r.store.GetMessages(ctx, r.conv.ID, cursor)
	}, deliver, onDrop)
}

// Snapshot returns the stored transcript from cursor without subscribing.
func (r *Runtime) Snapshot(ctx context.Context, cursor int64) ([]schema.Message, error) {
	return r.store.GetMessages(ctx, r.conv.ID, cursor)
}

// Suspend gracefully terminates the child (SIGTERM, then SIGKILL after the
// grace period), drains in-flight parser output, persists status suspended
// and detaches subscribers. Safe to call from any non-terminal state.
func (r *Runtime) Suspend(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateSuspended, StateEnded, StateErrored:
		r.mu.Unlock()
		return nil
	}
	r.state = StateSuspending
	child := r.child
	cancel := r.cancel
	r.mu.Unlock()

	if child != nil && child.Process != nil {
		signalChild(child, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.opts.GracePeriod):
			r.logger.Warn("grace period expired, killing child")
			signalChild(child, syscall.SIGKILL)
			<-done
		case <-ctx.Done():
			signalChild(child, syscall.SIGKILL)
			<-done
		}
	} else {
		r.wg.Wait()
	}
	if cancel != nil {
		cancel()
	}

	r.setState(StateSuspended)
	r.persistStatus(schema.StatusSuspended)
	r.hub.Close()
	r.logger.Info("session suspended")
	return nil
}

func (r *Runtime) persistStatus(status schema.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateConversationStatus(ctx, r.conv.ID, status); err != nil {
		r.logger.Error("persist status failed", "status", status, "error", err)
	}
}

// signalChild signals the child's process group when it has one, so shells
// and their descendants go down together.
func signalChild(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		_ = syscall.Kill(-cmd.Process.Pid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}

func mustError(msg string) schema.Block {
	b, err := schema.ErrorBlock(msg)
	if err != nil {
		b, _ = schema.ErrorBlock("unknown error")
	}
	return b
}
