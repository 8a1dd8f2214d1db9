package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/session"
)

const workerQueueSize = 16

// Scheduler feeds inbound bus messages to one worker goroutine per session.
// Sessions run concurrently; turns within a session run one at a time.
type Scheduler struct {
	loop      *Loop
	bus       *bus.MessageBus
	approvals *approval.Manager

	mu      sync.Mutex
	base    context.Context
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	key     string
	channel string
	chatID  string
	queue   chan job
	ctx     context.Context
	cancel  context.CancelFunc
}

// job is one queued message. When reply is set the result goes there
// instead of the outbound queue.
type job struct {
	msg   *bus.InboundMessage
	reply chan turnResult
}

type turnResult struct {
	res Result
	err error
}

// ErrSessionClosed is returned by Submit when the session is closed before
// the message was processed.
var ErrSessionClosed = errors.New("session closed")

// NewScheduler creates a scheduler. approvals may be nil.
func NewScheduler(loop *Loop, b *bus.MessageBus, approvals *approval.Manager) *Scheduler {
	return &Scheduler{
		loop:      loop,
		bus:       b,
		approvals: approvals,
		workers:   make(map[string]*worker),
	}
}

// Run consumes the inbound queue until ctx ends, then stops every worker.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Agent scheduler started")
	s.SetBaseContext(ctx)
	if s.approvals != nil {
		unsubscribe := s.approvals.Subscribe(s.announce)
		defer unsubscribe()
	}
	defer s.stopAll()

	for {
		msg, err := s.bus.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Agent scheduler stopping")
				return nil
			}
			return err
		}
		s.Handle(ctx, msg)
	}
}

// Handle routes one inbound message. Chat approval replies are resolved
// right away so they reach a session that is blocked awaiting approval.
func (s *Scheduler) Handle(ctx context.Context, msg *bus.InboundMessage) {
	peer := msg.ChatID
	if peer == "" {
		peer = msg.SenderID
	}
	key := session.Key(msg.Channel, peer)

	if s.approvals != nil {
		if id, approved, ok := approval.ParseChatResponse(msg.Content); ok {
			s.bus.PublishOutbound(&bus.OutboundMessage{Channel: msg.Channel, ChatID: peer, TraceID: msg.TraceID, Content: s.answer(key, id, approved)})
			return
		}
	}

	w := s.worker(ctx, key, msg.Channel, peer)
	select {
	case w.queue <- job{msg: msg}:
	case <-w.ctx.Done():
		slog.Warn("Dropping message for closed session", "session", key)
	case <-ctx.Done():
	}
}

// Submit queues msg on its session and waits for the turn to finish. The
// turn runs on the session worker, so it is ordered with bus traffic for the
// same session. Cancelling ctx abandons the wait, not the turn. A chat
// approval reply is answered right away, since the turn it unblocks holds
// the worker.
func (s *Scheduler) Submit(ctx context.Context, msg *bus.InboundMessage) (Result, error) {
	peer := msg.ChatID
	if peer == "" {
		peer = msg.SenderID
	}
	key := session.Key(msg.Channel, peer)
	if s.approvals != nil {
		if id, approved, ok := approval.ParseChatResponse(msg.Content); ok {
			res := Result{SessionKey: key, State: StateCompleted, Content: s.answer(key, id, approved)}
			if sess, found := s.loop.Sessions().Get(key); found {
				res.SessionID = sess.ID
			}
			return res, nil
		}
	}

	w := s.worker(s.baseContext(ctx), key, msg.Channel, peer)
	reply := make(chan turnResult, 1)
	select {
	case w.queue <- job{msg: msg, reply: reply}:
	case <-w.ctx.Done():
		return Result{}, ErrSessionClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-w.ctx.Done():
		return Result{}, ErrSessionClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SetBaseContext sets the parent context for workers started by Submit.
// Run sets it to its own context.
func (s *Scheduler) SetBaseContext(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
}

func (s *Scheduler) baseContext(fallback context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		return s.base
	}
	return context.WithoutCancel(fallback)
}

func (s *Scheduler) worker(ctx context.Context, key, channel, chatID string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[key]; ok {
		return w
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		key:     key,
		channel: channel,
		chatID:  chatID,
		queue:   make(chan job, workerQueueSize),
		ctx:     wctx,
		cancel:  cancel,
	}
	s.workers[key] = w
	s.wg.Add(1)
	go s.runWorker(w)
	slog.Debug("Session worker started", "session", key)
	return w
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.queue:
			res, err := s.process(w, j.msg)
			if j.reply != nil {
				j.reply <- turnResult{res: res, err: err}
				continue
			}
			out := &bus.OutboundMessage{
				Channel:   j.msg.Channel,
				ChatID:    w.chatID,
				TraceID:   j.msg.TraceID,
				SessionID: res.SessionID,
				Content:   res.Content,
				State:     string(res.State),
			}
			if err != nil {
				out.Error = err.Error()
			}
			s.bus.PublishOutbound(out)
		}
	}
}

func (s *Scheduler) process(w *worker, msg *bus.InboundMessage) (Result, error) {
	req := Request{Channel: msg.Channel, PeerID: w.chatID, Content: msg.Content}
	if msg.Mode != "" {
		mode, err := policy.ParseMode(msg.Mode)
		if err != nil {
			slog.Warn("Ignoring requested mode", "session", w.key, "mode", msg.Mode, "error", err)
		} else {
			req.Mode = mode
		}
	}

	return s.loop.ProcessRequest(w.ctx, req)
}

// answer resolves a chat approval and returns the reply for the
// conversation. Only the conversation that owns the request may answer it.
func (s *Scheduler) answer(key, id string, approved bool) string {
	req, ok := s.approvals.Get(id)
	sess, found := s.loop.Sessions().Get(key)
	if !ok || !found || req.SessionID != sess.ID {
		return fmt.Sprintf("No pending approval %s for this conversation.", id)
	}
	if err := s.approvals.Respond(id, approved); err != nil {
		return fmt.Sprintf("Approval %s is no longer pending.", id)
	}
	if approved {
		return fmt.Sprintf("Approved %s.", id)
	}
	return fmt.Sprintf("Denied %s.", id)
}

// announce posts new approval requests back to the conversation that raised them.
func (s *Scheduler) announce(r approval.Request) {
	if r.Outcome != approval.Pending {
		return
	}
	s.mu.Lock()
	var target *worker
	for key, w := range s.workers {
		if sess, ok := s.loop.Sessions().Get(key); ok && sess.ID == r.SessionID {
			target = w
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return
	}
	s.bus.PublishOutbound(&bus.OutboundMessage{
		Channel:   target.channel,
		ChatID:    target.chatID,
		SessionID: r.SessionID,
		Content:   approval.FormatPrompt(r),
		State:     string(StateAwaitingApproval),
	})
}

// CloseSession stops the session's worker and cancels whatever it is waiting
// on: the model call, a pending approval or a running tool. The session is
// then archived. It reports whether anything was closed.
func (s *Scheduler) CloseSession(key string) bool {
	s.mu.Lock()
	w, ok := s.workers[key]
	delete(s.workers, key)
	s.mu.Unlock()
	if ok {
		w.cancel()
	}

	sess, found := s.loop.Sessions().Get(key)
	if found && s.approvals != nil {
		if n := s.approvals.CancelSession(sess.ID); n > 0 {
			slog.Info("Cancelled pending approvals", "session", key, "count", n)
		}
	}
	_, closed := s.loop.Sessions().Close(key)
	if ok || closed {
		slog.Info("Session closed", "session", key)
	}
	return ok || closed
}

// Active returns the keys of sessions with a running worker.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.workers))
	for k := range s.workers {
		keys = append(keys, k)
	}
	return keys
}

// Wait blocks until every worker has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels every worker and waits for them to return.
func (s *Scheduler) Stop() {
	s.stopAll()
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	for key, w := range s.workers {
		w.cancel()
		delete(s.workers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
