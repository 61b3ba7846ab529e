// Package buffer implements the per-conversation debounce window that coalesces
// bursts of inbound fragments into a single logical turn.
//
// A conversation has at most one open window. Each ingest may push the window's
// deadline later but never earlier, and never past openedAt+MaxWait. When the
// deadline passes, the window is detached and its turn is queued on the
// conversation's serial queue; any fragment arriving after that opens a new window.
// Turns for one conversation are handled strictly in order by a single goroutine.
package buffer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Defaults for window sizing.
const (
	DefaultWindow             = 5 * time.Second
	DefaultFirstMessageWindow = 3 * time.Second
	DefaultMaxWait            = 30 * time.Second
)

// Fragment is one inbound message awaiting coalescing.
type Fragment struct {
	MessageID  string
	Text       string
	ReceivedAt time.Time
	// First marks the conversation's first inbound message ever.
	First bool
	// Window overrides the default window, typically the current step's bufferSeconds.
	Window time.Duration
}

// Turn is the flushed content of one window.
type Turn struct {
	ConversationID string
	Fragments      []Fragment
	OpenedAt       time.Time
	FlushedAt      time.Time
}

// Text joins fragment texts in arrival order with single spaces, skipping empty ones.
func (t Turn) Text() string {
	parts := make([]string, 0, len(t.Fragments))
	for _, f := range t.Fragments {
		if s := strings.TrimSpace(f.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// MessageIDs returns the ids of the fragments in the turn.
func (t Turn) MessageIDs() []string {
	ids := make([]string, 0, len(t.Fragments))
	for _, f := range t.Fragments {
		if f.MessageID != "" {
			ids = append(ids, f.MessageID)
		}
	}
	return ids
}

// Handler processes a flushed turn. It runs on the conversation's serial queue.
type Handler func(ctx context.Context, turn Turn)

// Opts holds configuration options for the Buffer.
type Opts struct {
	Window             time.Duration
	FirstMessageWindow time.Duration
	MaxWait            time.Duration
	OnFlush            func(turn Turn)
}

// Option defines a configuration option for the Buffer.
type Option func(*Opts)

// WithWindow sets the default debounce window.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) { o.Window = d }
}

// WithFirstMessageWindow sets the window used for a conversation's first message.
func WithFirstMessageWindow(d time.Duration) Option {
	return func(o *Opts) { o.FirstMessageWindow = d }
}

// WithMaxWait caps how long a window may stay open after it was opened.
func WithMaxWait(d time.Duration) Option {
	return func(o *Opts) { o.MaxWait = d }
}

// WithFlushHook registers a callback invoked when a window flushes.
func WithFlushHook(fn func(turn Turn)) Option {
	return func(o *Opts) { o.OnFlush = fn }
}

type window struct {
	fragments []Fragment
	openedAt  time.Time
	deadline  time.Time
	timer     *time.Timer
}

type queue struct {
	turns []Turn
}

// Buffer is the Message Buffer. It is safe for concurrent use.
type Buffer struct {
	opts    Opts
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	windows map[string]*window
	queues  map[string]*queue
	closed  bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a Buffer delivering flushed turns to handler.
func New(handler Handler, opts ...Option) *Buffer {
	cfg := Opts{
		Window:             DefaultWindow,
		FirstMessageWindow: DefaultFirstMessageWindow,
		MaxWait:            DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxWait < cfg.Window {
		cfg.MaxWait = cfg.Window
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Buffer{
		opts:    cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		windows: make(map[string]*window),
		queues:  make(map[string]*queue),
		now:     time.Now,
	}
}

func (b *Buffer) windowFor(f Fragment) time.Duration {
	switch {
	case f.First && b.opts.FirstMessageWindow > 0:
		return b.opts.FirstMessageWindow
	case f.Window > 0:
		return f.Window
	default:
		return b.opts.Window
	}
}

// Ingest appends a fragment to the conversation's open window, opening one if
// needed. It reports false when the buffer is closed.
func (b *Buffer) Ingest(conversationID string, f Fragment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		slog.Warn("Buffer.Ingest: buffer closed, dropping fragment", "conversationID", conversationID, "messageID", f.MessageID)
		return false
	}

	now := b.now()
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = now
	}
	size := b.windowFor(f)

	w, ok := b.windows[conversationID]
	if !ok {
		w = &window{openedAt: now, deadline: now.Add(size)}
		w.fragments = append(w.fragments, f)
		b.windows[conversationID] = w
		w.timer = time.AfterFunc(size, func() { b.fire(conversationID, w) })
		slog.Debug("Buffer.Ingest: opened window", "conversationID", conversationID, "window", size)
		return true
	}

	w.fragments = append(w.fragments, f)
	candidate := now.Add(size)
	if limit := w.openedAt.Add(b.opts.MaxWait); candidate.After(limit) {
		candidate = limit
	}
	if candidate.After(w.deadline) {
		w.deadline = candidate
	}
	slog.Debug("Buffer.Ingest: extended window", "conversationID", conversationID, "fragments", len(w.fragments), "deadline", w.deadline)
	return true
}

// fire runs when a window's timer elapses. A deadline that moved later re-arms the
// timer instead of flushing.
func (b *Buffer) fire(conversationID string, w *window) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windows[conversationID] != w {
		return
	}
	if remaining := w.deadline.Sub(b.now()); remaining > 0 {
		w.timer = time.AfterFunc(remaining, func() { b.fire(conversationID, w) })
		return
	}
	b.flushLocked(conversationID, w)
}

func (b *Buffer) flushLocked(conversationID string, w *window) {
	delete(b.windows, conversationID)
	turn := Turn{
		ConversationID: conversationID,
		Fragments:      w.fragments,
		OpenedAt:       w.openedAt,
		FlushedAt:      b.now(),
	}
	slog.Debug("Buffer.flush: window flushed", "conversationID", conversationID, "fragments", len(turn.Fragments))
	if b.opts.OnFlush != nil {
		b.opts.OnFlush(turn)
	}

	q, running := b.queues[conversationID]
	if !running {
		q = &queue{}
		b.queues[conversationID] = q
	}
	q.turns = append(q.turns, turn)
	if !running {
		b.wg.Add(1)
		go b.drain(conversationID, q)
	}
}

// drain handles queued turns for one conversation until the queue is empty.
func (b *Buffer) drain(conversationID string, q *queue) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(q.turns) == 0 {
			delete(b.queues, conversationID)
			b.mu.Unlock()
			return
		}
		turn := q.turns[0]
		q.turns = q.turns[1:]
		b.mu.Unlock()

		b.handle(turn)
	}
}

func (b *Buffer) handle(turn Turn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Buffer.handle: turn handler panicked", "conversationID", turn.ConversationID, "panic", r)
		}
	}()
	b.handler(b.ctx, turn)
}

// Pending reports whether the conversation has an open window or queued turns.
func (b *Buffer) Pending(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, open := b.windows[conversationID]
	_, queued := b.queues[conversationID]
	return open || queued
}

// FlushNow flushes the conversation's open window immediately, if any.
func (b *Buffer) FlushNow(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[conversationID]; ok {
		w.timer.Stop()
		b.flushLocked(conversationID, w)
	}
}

// Close flushes every open window, stops accepting fragments and waits for queued
// turns to finish or ctx to expire. Handlers still running when ctx expires see
// their context cancelled.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, w := range b.windows {
		w.timer.Stop()
		b.flushLocked(id, w)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}
