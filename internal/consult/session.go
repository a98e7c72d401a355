// Package consult wires the session layer together for consumers: one
// Session per consultation key for chat, and one GlobalChannel for call
// signaling and notifications.
package consult

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/chat"
	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/monitoring"
	"github.com/carelink/realtime/internal/protocol"
	"github.com/carelink/realtime/internal/session"
	"github.com/carelink/realtime/internal/shared/id"
)

// ErrLimitExceeded reports that the consultation message quota is spent.
// It is a policy trigger: the session auto-completes and further sends fail.
var ErrLimitExceeded = errors.New("consultation message limit exceeded")

// ErrSessionClosed reports an operation on a torn-down session.
var ErrSessionClosed = errors.New("consultation session is closed")

// DefaultAckTimeout bounds the socket-first completion path before the REST
// fallback fires.
const DefaultAckTimeout = 5 * time.Second

const statusCompleted = "completed"

// Transport is the connection surface Session needs. *session.Manager
// satisfies it.
type Transport interface {
	Open(ctx context.Context) error
	Send(payload []byte) error
	OnMessage(fn func(protocol.Event)) session.Disposer
	OnLifecycle(fn func(session.LifecycleEvent)) session.Disposer
	Close(reason string)
	State() session.State
}

// API is the REST collaborator surface Session consumes.
type API interface {
	History(ctx context.Context, consultationID string) ([]protocol.WireMessage, error)
	CompleteConsultation(ctx context.Context, consultationID string) error
}

// StatusChange is one consultation status transition.
type StatusChange struct {
	Status        string
	AutoCompleted bool
	Reason        string
}

// SessionConfig configures one consultation session.
type SessionConfig struct {
	ConsultationID string
	SenderID       string
	// AckTimeout bounds the completion ack wait; zero means DefaultAckTimeout.
	AckTimeout time.Duration
}

// Session owns the chat state of one consultation: it routes typed transport
// events into the reconciler, sends optimistic messages, and runs the
// quota-driven auto-complete sequence.
type Session struct {
	cfg        SessionConfig
	transport  Transport
	api        API
	rec        *chat.Reconciler
	ids        *id.Generator
	logger     *logging.Logger
	metrics    *monitoring.Metrics
	ackTimeout time.Duration

	mu            sync.Mutex
	status        string
	limitReached  bool
	opened        bool
	closed        bool
	socketHistory bool
	completeAck   chan struct{}
	disposers     []session.Disposer

	updateSubs map[int]func([]chat.Message)
	statusSubs map[int]func(StatusChange)
	nextSub    int
}

// NewSession creates a consultation session. It does not connect until Open.
func NewSession(cfg SessionConfig, transport Transport, api API, logger *logging.Logger, metrics *monitoring.Metrics) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Session{
		cfg:        cfg,
		transport:  transport,
		api:        api,
		rec:        chat.NewReconciler(),
		ids:        id.Default(),
		logger:     logger.Named("consult").With(zap.String("consultation_id", cfg.ConsultationID)),
		metrics:    metrics,
		ackTimeout: cfg.AckTimeout,
		updateSubs: make(map[int]func([]chat.Message)),
		statusSubs: make(map[int]func(StatusChange)),
	}
}

// Open wires event routing, opens the transport, and merges REST history in
// the background. The socket history push remains authoritative; the REST
// fetch only shortens the blank-screen window.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return s.transport.Open(ctx)
	}
	s.opened = true
	s.disposers = append(s.disposers, s.transport.OnMessage(s.handleEvent))
	s.mu.Unlock()

	if err := s.transport.Open(ctx); err != nil {
		return err
	}

	go s.loadHistory(ctx)
	return nil
}

func (s *Session) loadHistory(ctx context.Context) {
	wires, err := s.api.History(ctx, s.cfg.ConsultationID)
	if err != nil {
		s.logger.Warn("history fetch failed", zap.Error(err))
		return
	}
	if len(wires) == 0 {
		return
	}
	msgs := make([]chat.Message, 0, len(wires))
	for _, w := range wires {
		msgs = append(msgs, chat.FromWire(w))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.socketHistory {
		// The socket already delivered an authoritative history; this
		// response was snapshotted earlier and must not replace newer
		// confirmed entries. Merge message by message instead.
		for _, m := range msgs {
			s.rec.Ingest(m)
		}
		s.mu.Unlock()
		s.metrics.MessagesReconciled.WithLabelValues("ingest").Add(float64(len(msgs)))
	} else {
		s.rec.IngestBulk(msgs)
		s.mu.Unlock()
		s.metrics.MessagesReconciled.WithLabelValues("bulk").Add(float64(len(msgs)))
	}
	s.emitUpdate()
}

// SendMessage appends an optimistic entry and transmits it. The entry is
// discarded if the transmit fails outright; a queued payload stays pending.
func (s *Session) SendMessage(content string, attachments []protocol.Attachment) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.limitReached {
		s.mu.Unlock()
		return "", ErrLimitExceeded
	}

	tempID := s.ids.GenerateWithPrefix(id.TempPrefix)
	s.rec.AppendOptimistic(chat.Message{
		TempID:         tempID,
		ConsultationID: s.cfg.ConsultationID,
		SenderID:       s.cfg.SenderID,
		Content:        content,
		Attachments:    attachments,
		SentAt:         time.Now(),
		Status:         chat.StatusTemporary,
	})
	s.mu.Unlock()
	s.emitUpdate()

	payload, err := protocol.EncodeMessage(content, attachments, tempID)
	if err == nil {
		err = s.transport.Send(payload)
	}
	if err != nil {
		s.mu.Lock()
		s.rec.Discard(tempID)
		s.mu.Unlock()
		s.emitUpdate()
		return "", err
	}
	return tempID, nil
}

// Messages returns the reconciled list, sorted for display.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Messages()
}

// Status returns the last seen consultation status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnUpdate registers a handler invoked with the reconciled list after every
// mutation.
func (s *Session) OnUpdate(fn func([]chat.Message)) session.Disposer {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.nextSub
	s.nextSub++
	s.updateSubs[idx] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.updateSubs, idx)
	}
}

// OnStatus registers a handler for consultation status transitions.
func (s *Session) OnStatus(fn func(StatusChange)) session.Disposer {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.nextSub
	s.nextSub++
	s.statusSubs[idx] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.statusSubs, idx)
	}
}

// Complete ends the consultation: socket frame first, REST fallback after a
// bounded ack wait. The fallback is cancelled if the socket path confirms.
func (s *Session) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.status == statusCompleted {
		s.mu.Unlock()
		return nil
	}
	if s.completeAck == nil {
		s.completeAck = make(chan struct{})
	}
	ack := s.completeAck
	s.mu.Unlock()

	payload, err := protocol.EncodeCompleteConsultation(s.cfg.ConsultationID)
	if err == nil {
		err = s.transport.Send(payload)
	}
	if err == nil {
		select {
		case <-ack:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.ackTimeout):
		}
	}

	fbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ack:
			cancel()
		case <-fbCtx.Done():
		}
	}()

	if err := s.api.CompleteConsultation(fbCtx, s.cfg.ConsultationID); err != nil {
		select {
		case <-ack:
			return nil
		default:
		}
		return err
	}
	return nil
}

// Close tears the session down and closes the underlying transport.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	disposers := s.disposers
	s.disposers = nil
	s.updateSubs = make(map[int]func([]chat.Message))
	s.statusSubs = make(map[int]func(StatusChange))
	s.mu.Unlock()

	for _, d := range disposers {
		d()
	}
	s.transport.Close(reason)
}

func (s *Session) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.MessageEvent:
		s.mu.Lock()
		if e.TempID != "" {
			s.rec.Confirm(e.TempID, chat.FromWire(e.Message))
			s.mu.Unlock()
			s.metrics.MessagesReconciled.WithLabelValues("confirm").Inc()
		} else {
			s.rec.Ingest(chat.FromWire(e.Message))
			s.mu.Unlock()
			s.metrics.MessagesReconciled.WithLabelValues("ingest").Inc()
		}
		s.emitUpdate()

	case protocol.HistoryEvent:
		msgs := make([]chat.Message, 0, len(e.Messages))
		for _, w := range e.Messages {
			msgs = append(msgs, chat.FromWire(w))
		}
		s.mu.Lock()
		s.socketHistory = true
		s.rec.IngestBulk(msgs)
		s.mu.Unlock()
		s.metrics.MessagesReconciled.WithLabelValues("bulk").Add(float64(len(msgs)))
		s.emitUpdate()

	case protocol.ReadReceiptEvent:
		s.mu.Lock()
		s.rec.MarkRead(e.MessageID)
		s.mu.Unlock()
		s.emitUpdate()

	case protocol.StatusUpdateEvent:
		s.applyStatus(StatusChange{Status: e.Status, AutoCompleted: e.AutoCompleted, Reason: e.Reason})

	case protocol.ReviewAddedEvent:
		s.logger.Info("review added", zap.String("consultation_id", e.ConsultationID))

	case protocol.ErrorEvent:
		if isLimitExceeded(e.Message) {
			s.onLimitExceeded()
			return
		}
		s.logger.Warn("server error frame", zap.String("message", e.Message))
	}
}

func (s *Session) applyStatus(change StatusChange) {
	s.mu.Lock()
	s.status = change.Status
	if change.Status == statusCompleted && s.completeAck != nil {
		close(s.completeAck)
		s.completeAck = nil
	}
	subs := make([]func(StatusChange), 0, len(s.statusSubs))
	for _, fn := range s.statusSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(change)
	}
}

// onLimitExceeded handles the quota trigger: sends are refused from here on
// and the auto-complete sequence starts with its own timeout and fallback.
func (s *Session) onLimitExceeded() {
	s.mu.Lock()
	already := s.limitReached
	s.limitReached = true
	s.mu.Unlock()
	if already {
		return
	}

	s.logger.Info("message limit reached, auto-completing consultation")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.ackTimeout+10*time.Second)
		defer cancel()
		if err := s.Complete(ctx); err != nil {
			s.logger.Warn("auto-complete failed", zap.Error(err))
			return
		}
		s.applyStatus(StatusChange{Status: statusCompleted, AutoCompleted: true, Reason: "limit_exceeded"})
	}()
}

func (s *Session) emitUpdate() {
	s.mu.Lock()
	if len(s.updateSubs) == 0 {
		s.mu.Unlock()
		return
	}
	msgs := s.rec.Messages()
	subs := make([]func([]chat.Message), 0, len(s.updateSubs))
	for _, fn := range s.updateSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(msgs)
	}
}

func isLimitExceeded(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "limit")
}
