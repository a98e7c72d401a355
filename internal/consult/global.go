package consult

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/call"
	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/monitoring"
	"github.com/carelink/realtime/internal/notify"
	"github.com/carelink/realtime/internal/protocol"
	"github.com/carelink/realtime/internal/session"
)

// Notification is one user-facing alert that survived deduplication.
type Notification struct {
	ID             string
	Kind           protocol.Type
	DedupKey       string
	ConsultationID string
	At             time.Time
}

// GlobalChannel wraps the single global-key session: call signaling frames
// feed the call machine, and everything user-visible passes the deduper
// before reaching notification subscribers. Replayed frames after a
// reconnect are suppressed, not re-surfaced.
type GlobalChannel struct {
	transport Transport
	signaler  *call.Signaler
	deduper   *notify.Deduper
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	mu        sync.Mutex
	opened    bool
	closed    bool
	disposers []session.Disposer
	subs      map[int]func(Notification)
	nextSub   int
}

// NewGlobalChannel composes the global channel from its collaborators.
// Metrics are wired as a machine subscriber, the same way a ring tone or OS
// notification layer would be.
func NewGlobalChannel(transport Transport, signaler *call.Signaler, deduper *notify.Deduper, logger *logging.Logger, metrics *monitoring.Metrics) *GlobalChannel {
	signaler.Machine().Subscribe(func(ev call.Event) {
		metrics.CallTransitions.WithLabelValues(ev.Call.State.String()).Inc()
	})
	return &GlobalChannel{
		transport: transport,
		signaler:  signaler,
		deduper:   deduper,
		logger:    logger.Named("global"),
		metrics:   metrics,
		subs:      make(map[int]func(Notification)),
	}
}

// Open wires routing and opens the transport.
func (g *GlobalChannel) Open(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrSessionClosed
	}
	if !g.opened {
		g.opened = true
		g.disposers = append(g.disposers, g.transport.OnMessage(g.handleEvent))
	}
	g.mu.Unlock()

	return g.transport.Open(ctx)
}

// Calls exposes the call signaling surface (accept/reject/subscribe).
func (g *GlobalChannel) Calls() *call.Signaler {
	return g.signaler
}

// OnNotification registers a handler for deduplicated alerts.
func (g *GlobalChannel) OnNotification(fn func(Notification)) session.Disposer {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.nextSub
	g.nextSub++
	g.subs[idx] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subs, idx)
	}
}

// Close tears the channel down, the call machine included.
func (g *GlobalChannel) Close(reason string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	disposers := g.disposers
	g.disposers = nil
	g.subs = make(map[int]func(Notification))
	g.mu.Unlock()

	for _, d := range disposers {
		d()
	}
	g.signaler.Machine().Close()
	g.transport.Close(reason)
}

func (g *GlobalChannel) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.CallEvent:
		g.signaler.Handle(e)
		if e.Kind == protocol.TypeIncomingCall {
			g.surface(e.Kind, "call:"+e.Call.ID, e.Call.ConsultationID)
		}

	case protocol.MessageEvent:
		g.surface(protocol.TypeMessage, "message:"+e.Message.ID, e.Message.ConsultationID)

	case protocol.ReviewAddedEvent:
		g.surface(protocol.TypeReviewAdded, "review:"+e.ConsultationID, e.ConsultationID)

	case protocol.ErrorEvent:
		g.logger.Warn("server error frame", zap.String("message", e.Message))
	}
}

// surface runs one alert through the deduper and fans it out.
func (g *GlobalChannel) surface(kind protocol.Type, dedupKey, consultationID string) {
	if !g.deduper.ShouldShow(dedupKey) {
		g.metrics.NotificationsSuppressed.Inc()
		g.logger.Debug("notification suppressed", zap.String("dedup_key", dedupKey))
		return
	}

	n := Notification{
		ID:             uuid.NewString(),
		Kind:           kind,
		DedupKey:       dedupKey,
		ConsultationID: consultationID,
		At:             time.Now(),
	}

	g.mu.Lock()
	subs := make([]func(Notification), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}
