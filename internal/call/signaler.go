package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/protocol"
)

// DefaultAckTimeout bounds the wait for a socket-path acknowledgment before
// the REST fallback is attempted.
const DefaultAckTimeout = 5 * time.Second

// SendFunc transmits one raw frame over the signaling channel.
type SendFunc func(payload []byte) error

// API is the REST collaborator used when the socket path times out.
type API interface {
	AcceptCall(ctx context.Context, callID string) error
	RejectCall(ctx context.Context, callID string) error
}

// Signaler drives the machine from wire events and performs accept/reject
// with the primary socket path plus bounded-wait REST fallback.
type Signaler struct {
	machine    *Machine
	send       SendFunc
	api        API
	ackTimeout time.Duration
	logger     *logging.Logger

	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewSignaler wires a signaler to its machine and collaborators.
func NewSignaler(machine *Machine, send SendFunc, api API, ackTimeout time.Duration, logger *logging.Logger) *Signaler {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Signaler{
		machine:    machine,
		send:       send,
		api:        api,
		ackTimeout: ackTimeout,
		logger:     logger,
		pending:    make(map[string]chan struct{}),
	}
}

// Machine exposes the underlying state machine for subscriptions.
func (s *Signaler) Machine() *Machine {
	return s.machine
}

// fromWire converts the wire DTO into a tracked call.
func fromWire(w protocol.WireCall, dir Direction) Call {
	return Call{
		ID:             w.ID,
		ConsultationID: w.ConsultationID,
		CallType:       CallType(w.CallType),
		Direction:      dir,
	}
}

// Handle applies one signaling frame to the machine. Unknown call ids are
// logged and dropped; a replayed frame never corrupts state.
func (s *Signaler) Handle(ev protocol.CallEvent) {
	switch ev.Kind {
	case protocol.TypeIncomingCall:
		if err := s.machine.SignalIncoming(fromWire(ev.Call, DirectionIncoming)); err != nil {
			s.logger.Warn("incoming call dropped", zap.String("call_id", ev.Call.ID), zap.Error(err))
		}

	case protocol.TypeCallAccepted:
		s.resolveAck(ev.Call.ID)
		if err := s.machine.MarkAccepted(ev.Call.ID); err != nil && err != ErrNotRinging {
			s.logger.Debug("accept signal ignored", zap.String("call_id", ev.Call.ID), zap.Error(err))
		}

	case protocol.TypeCallRejected:
		s.resolveAck(ev.Call.ID)
		if err := s.machine.MarkRejected(ev.Call.ID); err != nil {
			s.logger.Debug("reject signal ignored", zap.String("call_id", ev.Call.ID), zap.Error(err))
		}

	case protocol.TypeCallEnded:
		s.resolveAck(ev.Call.ID)
		s.machine.MarkEnded(ev.Call.ID)
	}
}

// Accept confirms the incoming call. The socket frame is the primary path;
// when no acknowledgment arrives within the ack timeout the REST endpoint
// is used. On success the call transitions Ringing→Accepted; on failure it
// stays Ringing and the error is surfaced.
func (s *Signaler) Accept(ctx context.Context, callID string) error {
	if c, ok := s.machine.Incoming(); !ok || c.ID != callID || c.State != StateRinging {
		return ErrNotRinging
	}

	ack := s.registerAck(callID)
	defer s.dropAck(callID)

	if err := s.confirmViaSocketOrREST(ctx, callID, ack, protocol.EncodeAcceptCall, s.api.AcceptCall); err != nil {
		return err
	}

	if err := s.machine.MarkAccepted(callID); err != nil {
		// The acknowledgment frame may already have driven the transition.
		if c, ok := s.machine.Incoming(); ok && c.ID == callID && c.State == StateAccepted {
			return nil
		}
		return err
	}
	return nil
}

// Reject dismisses the incoming call. The local transition happens
// immediately; the server is informed best-effort (socket first, REST
// fallback), and any failure is only logged.
func (s *Signaler) Reject(ctx context.Context, callID string) error {
	ack := s.registerAck(callID)
	defer s.dropAck(callID)

	if err := s.machine.MarkRejected(callID); err != nil {
		return err
	}

	if err := s.confirmViaSocketOrREST(ctx, callID, ack, protocol.EncodeRejectCall, s.api.RejectCall); err != nil {
		s.logger.Warn("reject not acknowledged", zap.String("call_id", callID), zap.Error(err))
	}
	return nil
}

// confirmViaSocketOrREST sends the frame, waits for an acknowledgment, and
// falls back to the REST endpoint on timeout. The fallback is cancelled if
// the socket acknowledgment arrives first.
func (s *Signaler) confirmViaSocketOrREST(
	ctx context.Context,
	callID string,
	ack <-chan struct{},
	encode func(string) ([]byte, error),
	fallback func(context.Context, string) error,
) error {
	sendErr := s.sendFrame(callID, encode)
	if sendErr == nil {
		timer := time.NewTimer(s.ackTimeout)
		defer timer.Stop()

		select {
		case <-ack:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			// Fall through to REST.
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

	if err := fallback(fbCtx, callID); err != nil {
		// The primary path may have resolved while the fallback ran.
		select {
		case <-ack:
			return nil
		default:
		}
		return ErrAckTimeout
	}
	return nil
}

func (s *Signaler) sendFrame(callID string, encode func(string) ([]byte, error)) error {
	payload, err := encode(callID)
	if err != nil {
		return err
	}
	return s.send(payload)
}

func (s *Signaler) registerAck(callID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.pending[callID]
	if !ok {
		ch = make(chan struct{})
		s.pending[callID] = ch
	}
	return ch
}

func (s *Signaler) resolveAck(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.pending[callID]; ok {
		close(ch)
		delete(s.pending, callID)
	}
}

func (s *Signaler) dropAck(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, callID)
}
