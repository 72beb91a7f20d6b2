// Package server runs the broker's TCP accept loop: one goroutine per
// inbound connection, each driving a session.Session to completion.
//
// Grounded on the teacher's Start/Shutdown lifecycle (internal/shared's
// listener setup and accept loop in the reference tree) adapted from an
// HTTP-upgrade websocket listener to a plain TCP listener, since this
// broker's transport (§4.F) is a bespoke line-framed protocol with no
// HTTP handshake.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/smpbroker/broker/internal/auth"
	"github.com/smpbroker/broker/internal/broker"
	"github.com/smpbroker/broker/internal/dispatch"
	"github.com/smpbroker/broker/internal/monitoring"
	"github.com/smpbroker/broker/internal/proto"
	"github.com/smpbroker/broker/internal/session"
	"github.com/smpbroker/broker/internal/transport"
)

// Config bundles the listener address and the per-session/store sizing
// that Broker needs, mirroring §6's configuration surface.
type Config struct {
	TCPAddr      string
	TBQSize      int
	QueueIDBytes int
	MsgIDBytes   int
}

// Server owns the listener and the broker's process-wide shared state.
// One Server per running broker process.
type Server struct {
	log    zerolog.Logger
	cfg    Config
	Broker *broker.Broker

	dispatcher *dispatch.Dispatcher

	listener net.Listener
	wg       sync.WaitGroup
}

// New assembles a Server with a fresh Broker (connection store, message
// store, id generator, and subscriber registry) wired to verify. Pass
// auth.StubVerifier for the reference broker's documented stand-in, or a
// real cryptographic Verifier in production.
func New(log zerolog.Logger, cfg Config, verify auth.Verifier) *Server {
	br := broker.New(log, verify, cfg.QueueIDBytes, cfg.MsgIDBytes, cfg.TBQSize)
	return &Server{
		log:        log,
		cfg:        cfg,
		Broker:     br,
		dispatcher: dispatch.New(br),
	}
}

// Run listens on cfg.TCPAddr and serves connections until ctx is
// cancelled. It blocks until every accepted session has torn down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.TCPAddr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", s.cfg.TCPAddr).Msg("broker listening")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.Broker.Registry.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error { return s.acceptLoop(gctx) })

	err = g.Wait()
	s.wg.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		s.wg.Add(1)
		go s.serveConn(ctx, nc)
	}
}

// serveConn drives one accepted connection's session to completion. A
// panic in a session fiber is recovered and logged rather than taking
// down every other client's session.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.log, "serveConn", map[string]any{"remote": nc.RemoteAddr().String()})

	conn := transport.NewConn(nc)
	defer conn.Close()

	log := s.log.With().Str("remote", nc.RemoteAddr().String()).Logger()
	sess := session.New(log, conn, s.Broker.Queues, s.Broker.Registry, s.cfg.TBQSize)
	sess.Dispatch = func(connID proto.ID, sig []byte, cmd proto.Command) proto.Command {
		return s.dispatcher.Handle(sess, connID, sig, cmd)
	}

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Msg("session ended")
	}
}

// Shutdown closes the listener, preventing new connections; in-flight
// sessions are torn down by their caller cancelling ctx passed to Run.
func (s *Server) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
