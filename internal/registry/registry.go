// Package registry tracks which session currently holds the active
// subscription for each recipientId, and notifies a displaced session
// when a newer SUB takes its place.
//
// Grounded on the teacher's bounded work-queue dispatcher (the worker
// pool's job channel and single dispatcher goroutine in the reference
// tree): one buffered channel of displacement events, drained by a
// single Run fiber, so notification delivery never blocks the SUB
// handler that produced it.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/smpbroker/broker/internal/proto"
)

// Client is the minimal surface the registry needs from a subscriber
// session. Session implements this; registry never imports session
// directly, avoiding an import cycle.
//
// PushEnd must not mutate the session's subscription map itself: it only
// enqueues a self-addressed END onto the session's own inbound queue, so
// teardown of the displaced subscription runs on that session's own
// process fiber, never on the registry's fiber. This is the
// "displacement via self-message" property: no fiber reaches into
// another session's state directly.
type Client interface {
	PushEnd(rid proto.ID)
}

type displacement struct {
	rid proto.ID
	old Client
}

// Registry is the broker-wide map of recipientId to the Client currently
// subscribed to it.
type Registry struct {
	log zerolog.Logger

	mu      sync.Mutex
	current map[proto.ID]Client

	events chan displacement
}

// New returns a Registry with a displacement event buffer of the given
// size. A full buffer applies backpressure to SUB handling rather than
// dropping a displacement notification.
func New(log zerolog.Logger, bufSize int) *Registry {
	return &Registry{
		log:     log.With().Str("component", "registry").Logger(),
		current: make(map[proto.ID]Client),
		events:  make(chan displacement, bufSize),
	}
}

// Subscribe installs client as the current subscriber for rid. If another
// client was already subscribed, it is queued for an End notification and
// replaced atomically; the caller (dispatcher) must not also reply END to
// the new subscriber.
//
// Subscribe blocks only if the displacement event buffer is full; it
// never blocks on the displaced client itself.
func (r *Registry) Subscribe(rid proto.ID, client Client) {
	r.mu.Lock()
	old, had := r.current[rid]
	r.current[rid] = client
	r.mu.Unlock()

	if had && old != client {
		r.events <- displacement{rid: rid, old: old}
	}
	// had && old == client: the re-subscribe path (§4.E "SUB received,
	// already subscribed") — no displacement, caller resets delivered.
}

// Unsubscribe removes client as rid's current subscriber, but only if it
// is still the one installed (a later Subscribe may have already
// replaced it, in which case this is a no-op). Called on DEL; OFF leaves
// the subscription intact since it only disables SEND, not delivery.
func (r *Registry) Unsubscribe(rid proto.ID, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.current[rid]; ok && cur == client {
		delete(r.current, rid)
	}
}

// Current returns the client currently subscribed to rid, if any.
func (r *Registry) Current(rid proto.ID) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.current[rid]
	return c, ok
}

// Run drains displacement events and delivers End notifications until ctx
// is cancelled. One Run fiber per broker, started by internal/server
// alongside the accept loop.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case d := <-r.events:
			d.old.PushEnd(d.rid)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
