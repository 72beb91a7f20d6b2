// Package broker bundles the shared, process-wide cells every session and
// dispatcher call references: the identifier generator, connection store,
// message store, subscriber registry, and the pluggable signature
// verifier.
//
// Grounded on the teacher's top-level server struct (internal/shared in
// the reference tree) that threads one shared set of dependencies into
// every per-connection handler, rather than each package reaching for
// package-level globals.
package broker

import (
	"github.com/rs/zerolog"

	"github.com/smpbroker/broker/internal/auth"
	"github.com/smpbroker/broker/internal/connstore"
	"github.com/smpbroker/broker/internal/ids"
	"github.com/smpbroker/broker/internal/msgqueue"
	"github.com/smpbroker/broker/internal/registry"
)

// Broker holds the broker's process-wide shared state. One instance per
// running broker; tests construct a fresh one per case.
type Broker struct {
	Ids      *ids.Generator
	Conns    *connstore.Store
	Queues   *msgqueue.Store
	Registry *registry.Registry
	Verify   auth.Verifier

	QueueIDBytes int
	MsgIDBytes   int
}

// New assembles a Broker from its component cells. queueIDBytes and
// msgIDBytes size freshly generated recipientId/senderId and msgId
// respectively; tbqSize bounds every message queue and the registry's
// displacement buffer.
func New(log zerolog.Logger, verify auth.Verifier, queueIDBytes, msgIDBytes, tbqSize int) *Broker {
	return &Broker{
		Ids:          ids.New(),
		Conns:        connstore.NewStore(),
		Queues:       msgqueue.NewStore(tbqSize),
		Registry:     registry.New(log, tbqSize),
		Verify:       verify,
		QueueIDBytes: queueIDBytes,
		MsgIDBytes:   msgIDBytes,
	}
}
