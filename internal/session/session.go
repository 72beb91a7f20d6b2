// Package session implements the per-connection client session: the
// receive/send/process fiber triple and the per-recipientId subscription
// state machine described in §4.E of the broker's command surface.
//
// Grounded on the teacher's per-client goroutine triple (the read-pump /
// write-pump / dispatch split in internal/shared/pump_read.go and
// pump_write.go of the reference tree), generalized from a websocket
// fanout loop to the subscription/delivery latch discipline the queue
// protocol requires, and switched from raw goroutines to an errgroup so
// any fiber's failure tears the whole session down together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/smpbroker/broker/internal/monitoring"
	"github.com/smpbroker/broker/internal/msgqueue"
	"github.com/smpbroker/broker/internal/proto"
	"github.com/smpbroker/broker/internal/registry"
	"github.com/smpbroker/broker/internal/transport"
)

// subState is the subThread lifecycle of §3: NoSub -> Pending -> Running,
// collapsed back to NoSub when the subscriber fiber delivers. Cancelling
// the fiber (displacement, DEL, teardown) removes the subscription entry
// instead.
type subState int

const (
	noSub subState = iota
	pending
	running
)

// subscription is a session's per-recipientId interest, guarded by
// Session.mu.
type subscription struct {
	state        subState
	delivered    bool
	deliveredID  proto.ID // msgId currently awaiting ACK; valid iff delivered
	cancel       context.CancelFunc // non-nil only while state == running
}

// inbound is one entry on a session's rcvQ: either a transmission read
// off the wire (or a decode-failure ERR synthesized by the receive
// fiber), or a broker-origin END self-message pushed by the subscriber
// registry on displacement (see registry.Client).
type inbound struct {
	t      proto.Transmission
	end    bool // true: t.Cmd is ignored, t.ConnID names the displaced recipientId
	preErr bool // true: t.Cmd is already a finished ERR response, bypass Dispatch
}

// Session is one connected client's protocol state.
type Session struct {
	log      zerolog.Logger
	conn     *transport.Conn
	queue    *msgqueue.Store
	registry *registry.Registry

	rcvQ chan inbound
	sndQ chan proto.Transmission

	// Dispatch is set by the server after construction to
	// dispatch.Dispatcher.Handle bound to this session, avoiding an
	// import cycle between session and dispatch. It verifies the
	// signature, consults the stores, and returns the response Command
	// for any client-originated transmission.
	Dispatch func(connID proto.ID, sig []byte, cmd proto.Command) proto.Command

	mu   sync.Mutex
	subs map[proto.ID]*subscription

	ctx context.Context // set by Run; parent for subscriber-fiber cancellation
}

// New returns a Session ready to Run. queue is the broker's message
// store and reg its subscriber registry, used by the subscription state
// machine; bufSize bounds rcvQ and sndQ (the session-local analogue of
// tbqSize).
func New(log zerolog.Logger, conn *transport.Conn, queue *msgqueue.Store, reg *registry.Registry, bufSize int) *Session {
	return &Session{
		log:      log,
		conn:     conn,
		queue:    queue,
		registry: reg,
		rcvQ:     make(chan inbound, bufSize),
		sndQ:     make(chan proto.Transmission, bufSize),
		subs:     make(map[proto.ID]*subscription),
	}
}

// PushEnd implements registry.Client. It must never touch s.subs
// directly (only the process fiber, reading its own rcvQ, may); it only
// enqueues a self-addressed displacement notice.
func (s *Session) PushEnd(rid proto.ID) {
	s.rcvQ <- inbound{t: proto.Transmission{ConnID: rid}, end: true}
}

// Run drives the receive, send, and process fibers until ctx is
// cancelled or any fiber exits (due to transport loss or error). On
// return, every subscriber fiber owned by this session has been
// cancelled and every subscription entry dropped, per §4.E.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.ctx = ctx

	g.Go(func() error { return s.guardFiber("receive", func() error { return s.receiveFiber(ctx) }) })
	g.Go(func() error { return s.guardFiber("send", func() error { return s.sendFiber(ctx) }) })
	g.Go(func() error { return s.guardFiber("process", func() error { return s.processFiber(ctx) }) })

	g.Go(func() error {
		<-ctx.Done()
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	s.teardown()
	return err
}

// guardFiber recovers a panic in fn's own goroutine, logs it, and turns it
// into an error so the errgroup tears down the session's other fibers
// instead of the panic escaping and crashing the process. A deferred
// recover in the goroutine that calls Run cannot catch this: panics only
// unwind the goroutine stack they occur in, and each fiber runs in its
// own goroutine started by g.Go.
func (s *Session) guardFiber(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.RecoverPanicValue(s.log, name, nil, r)
			err = fmt.Errorf("panic in %s fiber: %v", name, r)
		}
	}()
	return fn()
}

func (s *Session) receiveFiber(ctx context.Context) error {
	for {
		t, err := s.conn.ReadTransmission()
		if err != nil {
			var decodeErr *transport.DecodeError
			if errors.As(err, &decodeErr) {
				select {
				case s.rcvQ <- inbound{t: proto.Transmission{Cmd: proto.Err(proto.ErrBlock)}, preErr: true}:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		select {
		case s.rcvQ <- inbound{t: t}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) sendFiber(ctx context.Context) error {
	for {
		select {
		case t := <-s.sndQ:
			if err := s.conn.WriteTransmission(t); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) processFiber(ctx context.Context) error {
	for {
		select {
		case item := <-s.rcvQ:
			var resp proto.Transmission
			switch {
			case item.end:
				resp = s.handleDisplacement(item.t.ConnID)
			case item.preErr:
				resp = item.t
			default:
				cmd := s.Dispatch(item.t.ConnID, item.t.Signature, item.t.Cmd)
				resp = proto.Transmission{ConnID: s.responseConnID(item.t.ConnID, item.t.Cmd, cmd), Cmd: cmd}
			}
			select {
			case s.sndQ <- resp:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// responseConnID implements §8 scenario 1's convention: every response's
// connId echoes the request's, except CONN, whose IDS response names the
// newly minted recipientId instead of the empty connId the request
// carried.
func (s *Session) responseConnID(reqConnID proto.ID, req proto.Command, resp proto.Command) proto.ID {
	if req.Kind == proto.CONN && resp.Kind == proto.IDS {
		return resp.RecipientID
	}
	return reqConnID
}

// teardown cancels every subscriber fiber this session owns and clears
// the subscription map. Called once, when Run's errgroup unwinds.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for rid, sub := range s.subs {
		if sub.cancel != nil {
			sub.cancel()
		}
		delete(s.subs, rid)
	}
}
