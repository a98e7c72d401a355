package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/protocol"
)

type fakeAPI struct {
	mu          sync.Mutex
	acceptCalls []string
	rejectCalls []string
	acceptErr   error
	rejectErr   error
}

func (f *fakeAPI) AcceptCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptCalls = append(f.acceptCalls, callID)
	return f.acceptErr
}

func (f *fakeAPI) RejectCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectCalls = append(f.rejectCalls, callID)
	return f.rejectErr
}

func (f *fakeAPI) accepts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acceptCalls)
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *frameSink) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, payload)
	return nil
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestSignaler(t *testing.T, api *fakeAPI, sink *frameSink, ackTimeout time.Duration) *Signaler {
	t.Helper()
	machine := NewMachine(time.Minute, logging.NewNop())
	return NewSignaler(machine, sink.send, api, ackTimeout, logging.NewNop())
}

func ring(t *testing.T, s *Signaler, callID string) {
	t.Helper()
	s.Handle(protocol.CallEvent{
		Kind: protocol.TypeIncomingCall,
		Call: protocol.WireCall{ID: callID, CallType: "video", ConsultationID: "cons-1"},
	})
}

func TestAcceptResolvedBySocketAck(t *testing.T) {
	api := &fakeAPI{}
	sink := &frameSink{}
	s := newTestSignaler(t, api, sink, time.Second)
	ring(t, s, "c1")

	done := make(chan error, 1)
	go func() { done <- s.Accept(context.Background(), "c1") }()

	// Wait for the accept frame to go out, then deliver the ack.
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	s.Handle(protocol.CallEvent{Kind: protocol.TypeCallAccepted, Call: protocol.WireCall{ID: "c1"}})

	require.NoError(t, <-done)

	c, ok := s.Machine().Incoming()
	require.True(t, ok)
	assert.Equal(t, StateAccepted, c.State)
	assert.Zero(t, api.accepts(), "REST fallback must not fire when the socket path resolves")
}

func TestAcceptFallsBackToRESTOnTimeout(t *testing.T) {
	api := &fakeAPI{}
	sink := &frameSink{}
	s := newTestSignaler(t, api, sink, 20*time.Millisecond)
	ring(t, s, "c1")

	require.NoError(t, s.Accept(context.Background(), "c1"))

	assert.Equal(t, 1, api.accepts())
	c, _ := s.Machine().Incoming()
	assert.Equal(t, StateAccepted, c.State)
}

func TestAcceptStaysRingingWhenEverythingFails(t *testing.T) {
	api := &fakeAPI{acceptErr: assert.AnError}
	sink := &frameSink{}
	s := newTestSignaler(t, api, sink, 20*time.Millisecond)
	ring(t, s, "c1")

	err := s.Accept(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrAckTimeout)

	c, ok := s.Machine().Incoming()
	require.True(t, ok)
	assert.Equal(t, StateRinging, c.State, "failed accept leaves the call ringing")
}

func TestAcceptRequiresRinging(t *testing.T) {
	api := &fakeAPI{}
	sink := &frameSink{}
	s := newTestSignaler(t, api, sink, time.Second)

	assert.ErrorIs(t, s.Accept(context.Background(), "ghost"), ErrNotRinging)
}

func TestRejectDismissesLocallyEvenWhenServerUnreachable(t *testing.T) {
	api := &fakeAPI{rejectErr: assert.AnError}
	sink := &frameSink{err: assert.AnError}
	s := newTestSignaler(t, api, sink, 20*time.Millisecond)
	ring(t, s, "c1")

	require.NoError(t, s.Reject(context.Background(), "c1"))

	c, ok := s.Machine().Incoming()
	require.True(t, ok)
	assert.Equal(t, StateRejected, c.State)
}

func TestHandleEndedClearsRingingCall(t *testing.T) {
	api := &fakeAPI{}
	sink := &frameSink{}
	s := newTestSignaler(t, api, sink, time.Second)
	ring(t, s, "c1")

	// Caller hung up before the user answered.
	s.Handle(protocol.CallEvent{Kind: protocol.TypeCallEnded, Call: protocol.WireCall{ID: "c1"}})

	c, ok := s.Machine().Incoming()
	require.True(t, ok)
	assert.Equal(t, StateEnded, c.State)
}

func TestHandleUnknownCallIsHarmless(t *testing.T) {
	api := &fakeAPI{}
	sink := &frameSink{}
	s := newTestSignaler(t, api, sink, time.Second)

	s.Handle(protocol.CallEvent{Kind: protocol.TypeCallAccepted, Call: protocol.WireCall{ID: "ghost"}})
	_, ok := s.Machine().Incoming()
	assert.False(t, ok)
}
