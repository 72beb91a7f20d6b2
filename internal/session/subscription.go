package session

import (
	"context"

	"github.com/smpbroker/broker/internal/monitoring"
	"github.com/smpbroker/broker/internal/msgqueue"
	"github.com/smpbroker/broker/internal/proto"
)

// peekOp is either (*msgqueue.Queue).TryPeek, for a fresh SUB, or a
// TryDelPeek of the just-acked msgId followed by a TryPeek, for ACK's
// consume-then-peek step. Both shapes collapse to the same "get the
// current head, if any" contract that deliverMessage needs.
type peekOp func(q *msgqueue.Queue) (msgqueue.Message, bool)

// HandleSub drives the SUB transition of §4.E for rid. It is called by
// the dispatcher after signature verification succeeds.
func (s *Session) HandleSub(rid proto.ID) proto.Command {
	s.mu.Lock()
	sub, exists := s.subs[rid]
	if !exists {
		sub = &subscription{state: noSub}
		s.subs[rid] = sub
		s.mu.Unlock()
		s.registry.Subscribe(rid, s)
	} else {
		sub.delivered = false
		s.mu.Unlock()
	}

	return s.deliverMessage(rid, sub, (*msgqueue.Queue).TryPeek)
}

// HandleAck drives the ACK transition of §4.E. ACK carries no msgId of
// its own; it acks whatever is currently latched as delivered for rid.
func (s *Session) HandleAck(rid proto.ID) proto.Command {
	s.mu.Lock()
	sub, ok := s.subs[rid]
	if !ok || !sub.delivered {
		s.mu.Unlock()
		return proto.Err(proto.ErrProhibited)
	}
	ackingID := sub.deliveredID
	sub.delivered = false
	s.mu.Unlock()

	return s.deliverMessage(rid, sub, func(q *msgqueue.Queue) (msgqueue.Message, bool) {
		// TryDelPeek's bool reports whether the ack removed the head, not
		// whether a next message exists, so the new head is peeked again.
		q.TryDelPeek(ackingID)
		return q.TryPeek()
	})
}

// deliverMessage implements §4.E's deliverMessage(peekOp, rid): peek the
// queue; if a message is present, latch delivered and return it as the
// response. Otherwise fork (at most one) subscriber fiber and return OK.
func (s *Session) deliverMessage(rid proto.ID, sub *subscription, peek peekOp) proto.Command {
	q := s.queue.GetOrCreate(rid)

	s.mu.Lock()
	msg, ok := peek(q)
	if ok {
		sub.delivered = true
		sub.deliveredID = msg.MsgID
		s.mu.Unlock()
		return proto.Command{Kind: proto.MSG, MsgID: msg.MsgID, Timestamp: msg.Timestamp, Body: msg.Body}
	}

	spawn := sub.state == noSub
	if spawn {
		sub.state = pending
	}
	s.mu.Unlock()

	if spawn {
		s.spawnSubscriberFiber(rid, sub, q)
	}
	return proto.Ok()
}

// spawnSubscriberFiber implements the Pending->Running dance of §4.E: it
// only actually starts the goroutine if the subscription is still Pending
// by the time it acquires the lock a second time (it may have been
// displaced or torn down in between).
func (s *Session) spawnSubscriberFiber(rid proto.ID, sub *subscription, q *msgqueue.Queue) {
	fctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if cur, ok := s.subs[rid]; !ok || cur != sub || sub.state != pending {
		s.mu.Unlock()
		cancel()
		return
	}
	sub.state = running
	sub.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer monitoring.RecoverPanic(s.log, "subscriber", map[string]any{"rid": string(rid)})

		msg, err := q.PeekBlocking(fctx)
		if err != nil {
			return // cancelled: displaced, acked away, or session torn down
		}

		// sub.cancel is deliberately left live (not nilled) until the send
		// below succeeds: a concurrent displacement or DEL can still cancel
		// fctx right up to the moment of delivery, so a subscription torn
		// down while this fiber is in flight never lets its message reach
		// sndQ. The priority check catches a cancellation that already
		// landed before we ever touch sndQ; the select's <-fctx.Done() arm
		// catches one that lands while the send would otherwise block.
		select {
		case <-fctx.Done():
			return
		default:
		}

		select {
		case s.sndQ <- proto.Transmission{ConnID: rid, Cmd: proto.Command{Kind: proto.MSG, MsgID: msg.MsgID, Timestamp: msg.Timestamp, Body: msg.Body}}:
		case <-fctx.Done():
			return
		}

		s.mu.Lock()
		if cur, ok := s.subs[rid]; ok && cur == sub {
			sub.state = noSub
			sub.cancel = nil
			sub.delivered = true
			sub.deliveredID = msg.MsgID
		}
		s.mu.Unlock()
	}()
}

// handleDisplacement implements the "END received from broker path"
// transition: drop the subscription, kill its fiber if running, and
// forward END to the client unchanged.
func (s *Session) handleDisplacement(rid proto.ID) proto.Transmission {
	s.mu.Lock()
	if sub, ok := s.subs[rid]; ok {
		if sub.cancel != nil {
			sub.cancel()
		}
		delete(s.subs, rid)
	}
	s.mu.Unlock()

	return proto.Transmission{ConnID: rid, Cmd: proto.Command{Kind: proto.END}}
}

// CancelSubscription tears down rid's subscription without emitting END,
// used when the recipient itself deletes the queue (DEL): no broker-push
// notice is warranted since the client already knows.
func (s *Session) CancelSubscription(rid proto.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[rid]; ok {
		if sub.cancel != nil {
			sub.cancel()
		}
		delete(s.subs, rid)
	}
}
