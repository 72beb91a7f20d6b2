// Package dispatch implements the command table of §4.G: decoding party
// and authorization for each client command, invoking the appropriate
// store operation, and handing SUB/ACK off to the session's subscription
// state machine.
//
// Grounded on the teacher's handler-table idiom (the verb-keyed switch in
// internal/shared/handlers_message.go of the reference tree), generalized
// from websocket event types to the SMP command set.
package dispatch

import (
	"time"

	"github.com/smpbroker/broker/internal/broker"
	"github.com/smpbroker/broker/internal/connstore"
	"github.com/smpbroker/broker/internal/msgqueue"
	"github.com/smpbroker/broker/internal/proto"
	"github.com/smpbroker/broker/internal/session"
	"github.com/smpbroker/broker/internal/transport"
)

// maxAddAttempts bounds CONN's retry-on-id-collision loop (§4.C).
const maxAddAttempts = 3

// Dispatcher holds the broker's shared stores. One Dispatcher per broker
// process; Handle is called once per incoming client transmission, bound
// to the session that received it.
type Dispatcher struct {
	Broker *broker.Broker
}

// New returns a Dispatcher over br.
func New(br *broker.Broker) *Dispatcher {
	return &Dispatcher{Broker: br}
}

// Handle decodes and authorizes cmd against connID, then executes it.
// This is the func assigned to session.Session.Dispatch by the server
// when a session is constructed.
func (d *Dispatcher) Handle(sess *session.Session, connID proto.ID, sig []byte, cmd proto.Command) proto.Command {
	switch cmd.Kind {
	case proto.CONN:
		return d.handleConn(sess, cmd)
	case proto.SUB:
		return d.authorizeRecipient(connID, sig, cmd, func(*connstore.Connection) proto.Command {
			return sess.HandleSub(connID)
		})
	case proto.KEY:
		return d.authorizeRecipient(connID, sig, cmd, func(c *connstore.Connection) proto.Command {
			return d.handleKey(c, cmd.SenderKey)
		})
	case proto.ACK:
		return d.authorizeRecipient(connID, sig, cmd, func(*connstore.Connection) proto.Command {
			return sess.HandleAck(connID)
		})
	case proto.OFF:
		return d.authorizeRecipient(connID, sig, cmd, func(c *connstore.Connection) proto.Command {
			return d.handleOff(c)
		})
	case proto.DEL:
		return d.authorizeRecipient(connID, sig, cmd, func(c *connstore.Connection) proto.Command {
			return d.handleDel(sess, c)
		})
	case proto.SEND:
		return d.handleSend(connID, sig, cmd)
	default:
		// Broker-origin verbs (IDS, MSG, END, OK, ERR) are never legal
		// client input; a decode failure never produces them either
		// (transport rejects unrecognized verbs before this is reached).
		return proto.Err(proto.ErrInternal)
	}
}

// authorizeRecipient looks up connID's connection by RecipientID party
// and verifies the signature against its recipientKey before invoking
// fn. A missing connection or failed verification both collapse to
// ERR AUTH, never revealing which (§4.G, §7).
func (d *Dispatcher) authorizeRecipient(connID proto.ID, sig []byte, cmd proto.Command, fn func(*connstore.Connection) proto.Command) proto.Command {
	c, err := d.Broker.Conns.Get(proto.Recipient, connID)
	if err != nil {
		return proto.Err(proto.ErrAuth)
	}
	if !d.Broker.Verify(c.RecipientKey, transport.SignedBytes(connID, cmd), sig) {
		return proto.Err(proto.ErrAuth)
	}
	return fn(c)
}

func (d *Dispatcher) handleConn(sess *session.Session, cmd proto.Command) proto.Command {
	var (
		rid, sid proto.ID
		err      error
	)

	for attempt := 0; attempt < maxAddAttempts; attempt++ {
		rid, err = d.Broker.Ids.Fresh(d.Broker.QueueIDBytes)
		if err != nil {
			return proto.Err(proto.ErrInternal)
		}
		sid, err = d.Broker.Ids.Fresh(d.Broker.QueueIDBytes)
		if err != nil {
			return proto.Err(proto.ErrInternal)
		}

		addErr := d.Broker.Conns.Add(&connstore.Connection{
			RecipientID:  rid,
			SenderID:     sid,
			RecipientKey: cmd.RecipientKey,
		})
		if addErr == nil {
			d.Broker.Queues.GetOrCreate(rid)
			sess.HandleSub(rid)
			return proto.Command{Kind: proto.IDS, RecipientID: rid, SenderID: sid}
		}
		if _, dup := addErr.(connstore.ErrDuplicate); !dup {
			return proto.Err(proto.ErrInternal)
		}
	}
	return proto.Err(proto.ErrInternal)
}

func (d *Dispatcher) handleKey(c *connstore.Connection, senderKey []byte) proto.Command {
	if err := d.Broker.Conns.Secure(c.RecipientID, senderKey); err != nil {
		return proto.Err(proto.ErrAuth)
	}
	return proto.Ok()
}

func (d *Dispatcher) handleOff(c *connstore.Connection) proto.Command {
	if err := d.Broker.Conns.Suspend(c.RecipientID); err != nil {
		return proto.Err(proto.ErrAuth)
	}
	return proto.Ok()
}

func (d *Dispatcher) handleDel(sess *session.Session, c *connstore.Connection) proto.Command {
	if err := d.Broker.Conns.Delete(c.RecipientID); err != nil {
		return proto.Err(proto.ErrAuth)
	}
	d.Broker.Queues.Delete(c.RecipientID)
	d.Broker.Registry.Unsubscribe(c.RecipientID, sess)
	sess.CancelSubscription(c.RecipientID)
	return proto.Ok()
}

func (d *Dispatcher) handleSend(connID proto.ID, sig []byte, cmd proto.Command) proto.Command {
	c, err := d.Broker.Conns.Get(proto.Sender, connID)
	if err != nil {
		return proto.Err(proto.ErrAuth)
	}

	if c.SenderKey != nil {
		if !d.Broker.Verify(c.SenderKey, transport.SignedBytes(connID, cmd), sig) {
			return proto.Err(proto.ErrAuth)
		}
	} else if len(sig) != 0 {
		// Unsecured queue: SEND is accepted only with an empty signature
		// (§4.G table: "if absent, accept iff signature is empty").
		return proto.Err(proto.ErrAuth)
	}

	if c.Suspended {
		return proto.Err(proto.ErrAuth)
	}

	msgID, err := d.Broker.Ids.Fresh(d.Broker.MsgIDBytes)
	if err != nil {
		return proto.Err(proto.ErrInternal)
	}

	q := d.Broker.Queues.GetOrCreate(c.RecipientID)
	msg := msgqueue.Message{MsgID: msgID, Body: cmd.Body, Timestamp: time.Now()}
	if err := q.Write(msg); err != nil {
		return proto.Err(proto.ErrQuota)
	}
	return proto.Ok()
}
