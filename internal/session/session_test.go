package session_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/smpbroker/broker/internal/msgqueue"
	"github.com/smpbroker/broker/internal/proto"
	"github.com/smpbroker/broker/internal/registry"
	"github.com/smpbroker/broker/internal/session"
	"github.com/smpbroker/broker/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestPanicInProcessFiberDoesNotCrashAndTeardownRuns verifies the fix
// recorded in DESIGN.md: a panic inside a fiber goroutine spawned by
// errgroup.Go must be recovered locally (a recover() deferred anywhere
// else, including the goroutine that called Run, cannot see it) and
// surfaced as an ordinary error from Run, with the session's own
// teardown still running.
func TestPanicInProcessFiberDoesNotCrashAndTeardownRuns(t *testing.T) {
	srvSide, testSide := net.Pipe()
	defer testSide.Close()

	queue := msgqueue.NewStore(8)
	reg := registry.New(zerolog.Nop(), 8)

	sess := session.New(zerolog.Nop(), transport.NewConn(srvSide), queue, reg, 8)
	sess.Dispatch = func(connID proto.ID, sig []byte, cmd proto.Command) proto.Command {
		panic("dispatch exploded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	client := transport.NewConn(testSide)
	if err := client.WriteTransmission(proto.Transmission{Cmd: proto.Command{Kind: proto.SUB}}); err != nil {
		t.Fatalf("write SUB: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Run returned nil error, want the recovered panic surfaced as an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its process fiber panicked; the panic likely crashed the test binary instead")
	}
}
