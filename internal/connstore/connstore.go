// Package connstore implements the broker's connection directory: the
// dual-indexed (recipientId, senderId) table of queue metadata that
// backs CONN/SUB/KEY/OFF/DEL authorization.
//
// Grounded on the teacher's client registry (the connection map guarded
// by a single coarse mutex in internal/shared/connection.go of the
// reference tree): one lock serializes the whole table rather than
// sharding per-entry, since entries are small and operations are brief.
package connstore

import (
	"sync"

	"github.com/smpbroker/broker/internal/proto"
)

// Connection is the broker's record for one simplex queue. RecipientID
// and SenderID are both installed at creation time (CONN mints both);
// SenderKey starts nil and is installed exactly once, by KEY.
type Connection struct {
	RecipientID  proto.ID
	SenderID     proto.ID
	RecipientKey []byte
	SenderKey    []byte // nil until secured by KEY; never replaced once set
	Suspended    bool   // true after OFF; SEND is rejected, recipient ops still allowed
}

// ErrNotFound is returned when no connection exists for the given id
// (collisions on Add return ErrDuplicate instead). The dispatcher maps a
// lookup ErrNotFound to ERR AUTH, never a distinguishable "not found"
// response: an unknown id and a wrong key must be indistinguishable to
// the client.
type ErrNotFound struct{}

func (ErrNotFound) Error() string { return "connstore: connection not found" }

// ErrDuplicate is returned by Add when rId or sId already names a live
// connection. The dispatcher retries CONN with freshly generated ids on
// this error, up to a fixed attempt budget.
type ErrDuplicate struct{}

func (ErrDuplicate) Error() string { return "connstore: id collision" }

// ErrAlreadySecured is returned by Secure when the connection already has
// a senderKey installed.
type ErrAlreadySecured struct{}

func (ErrAlreadySecured) Error() string { return "connstore: already secured" }

// Store is the broker's connection directory. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	byRecip  map[proto.ID]*Connection
	bySender map[proto.ID]*Connection
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byRecip:  make(map[proto.ID]*Connection),
		bySender: make(map[proto.ID]*Connection),
	}
}

// Add installs a new connection atomically under both recipientId and
// senderId, iff neither id is already present in either index. Returns
// ErrDuplicate on any collision; the caller (dispatcher) is expected to
// retry with freshly generated ids.
func (s *Store) Add(c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRecip[c.RecipientID]; ok {
		return ErrDuplicate{}
	}
	if _, ok := s.bySender[c.RecipientID]; ok {
		return ErrDuplicate{}
	}
	if _, ok := s.byRecip[c.SenderID]; ok {
		return ErrDuplicate{}
	}
	if _, ok := s.bySender[c.SenderID]; ok {
		return ErrDuplicate{}
	}

	s.byRecip[c.RecipientID] = c
	s.bySender[c.SenderID] = c
	return nil
}

// Get looks up the connection for id under the given party (Recipient
// looks up by recipientId, Sender by senderId). Returns ErrNotFound if no
// such connection exists.
func (s *Store) Get(party proto.Party, id proto.ID) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		c  *Connection
		ok bool
	)
	switch party {
	case proto.Sender:
		c, ok = s.bySender[id]
	default:
		c, ok = s.byRecip[id]
	}
	if !ok {
		return nil, ErrNotFound{}
	}
	return c, nil
}

// Secure installs senderKey on rId's connection, iff it is not already
// secured. Returns ErrNotFound if rId is unknown, ErrAlreadySecured if a
// senderKey is already set (never replaced, even with the same bytes).
func (s *Store) Secure(rid proto.ID, senderKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byRecip[rid]
	if !ok {
		return ErrNotFound{}
	}
	if c.SenderKey != nil {
		return ErrAlreadySecured{}
	}
	c.SenderKey = senderKey
	return nil
}

// Suspend marks the connection as suspended: SEND is rejected thereafter,
// but SUB/ACK/DEL on the recipient side continue to work.
func (s *Store) Suspend(rid proto.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byRecip[rid]
	if !ok {
		return ErrNotFound{}
	}
	c.Suspended = true
	return nil
}

// Delete removes the connection from both indexes atomically.
func (s *Store) Delete(rid proto.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byRecip[rid]
	if !ok {
		return ErrNotFound{}
	}
	delete(s.byRecip, rid)
	delete(s.bySender, c.SenderID)
	return nil
}
