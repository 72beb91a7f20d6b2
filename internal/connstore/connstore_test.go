package connstore_test

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/smpbroker/broker/internal/connstore"
	"github.com/smpbroker/broker/internal/proto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAddInstallsBothIndexes(t *testing.T) {
	s := connstore.NewStore()
	c := &connstore.Connection{RecipientID: "rid", SenderID: "sid", RecipientKey: []byte("rk")}
	if err := s.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(proto.Recipient, "rid")
	if err != nil || got != c {
		t.Fatalf("Get(Recipient, rid) = %v, %v", got, err)
	}
	got, err = s.Get(proto.Sender, "sid")
	if err != nil || got != c {
		t.Fatalf("Get(Sender, sid) = %v, %v", got, err)
	}
}

func TestAddRejectsAnyCollision(t *testing.T) {
	s := connstore.NewStore()
	if err := s.Add(&connstore.Connection{RecipientID: "rid", SenderID: "sid"}); err != nil {
		t.Fatalf("first Add: %v", err)
	}

	cases := []struct {
		name string
		c    *connstore.Connection
	}{
		{"recipientId reused as recipientId", &connstore.Connection{RecipientID: "rid", SenderID: "other"}},
		{"senderId reused as senderId", &connstore.Connection{RecipientID: "other", SenderID: "sid"}},
		{"recipientId reused as senderId", &connstore.Connection{RecipientID: "fresh", SenderID: "rid"}},
		{"senderId reused as recipientId", &connstore.Connection{RecipientID: "sid", SenderID: "fresh2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Add(tc.c); err == nil {
				t.Fatalf("Add(%v) succeeded, want ErrDuplicate", tc.c)
			} else if _, ok := err.(connstore.ErrDuplicate); !ok {
				t.Fatalf("Add(%v) = %v, want ErrDuplicate", tc.c, err)
			}
		})
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := connstore.NewStore()
	if _, err := s.Get(proto.Recipient, "missing"); err == nil {
		t.Fatalf("Get(missing) succeeded, want ErrNotFound")
	} else if _, ok := err.(connstore.ErrNotFound); !ok {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestSecureRejectsSecondCall(t *testing.T) {
	s := connstore.NewStore()
	s.Add(&connstore.Connection{RecipientID: "rid", SenderID: "sid"})

	if err := s.Secure("rid", []byte("k1")); err != nil {
		t.Fatalf("first Secure: %v", err)
	}
	if err := s.Secure("rid", []byte("k1")); err == nil {
		t.Fatalf("second Secure with same key succeeded, want AUTH")
	}
	if err := s.Secure("rid", []byte("k2")); err == nil {
		t.Fatalf("second Secure with different key succeeded, want AUTH")
	}

	c, _ := s.Get(proto.Recipient, "rid")
	if string(c.SenderKey) != "k1" {
		t.Fatalf("senderKey = %q, want k1 (first write wins)", c.SenderKey)
	}
}

func TestSuspendDisablesSendNotRecipientOps(t *testing.T) {
	s := connstore.NewStore()
	s.Add(&connstore.Connection{RecipientID: "rid", SenderID: "sid"})

	if err := s.Suspend("rid"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	c, _ := s.Get(proto.Recipient, "rid")
	if !c.Suspended {
		t.Fatalf("Suspended = false after Suspend")
	}
}

func TestDeleteRemovesBothIndexesAtomically(t *testing.T) {
	s := connstore.NewStore()
	s.Add(&connstore.Connection{RecipientID: "rid", SenderID: "sid"})

	if err := s.Delete("rid"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(proto.Recipient, "rid"); err == nil {
		t.Fatalf("recipientId still resolves after Delete")
	}
	if _, err := s.Get(proto.Sender, "sid"); err == nil {
		t.Fatalf("senderId still resolves after Delete")
	}
}

func TestDeleteUnknownIsAuth(t *testing.T) {
	s := connstore.NewStore()
	if err := s.Delete("missing"); err == nil {
		t.Fatalf("Delete(missing) succeeded")
	}
}
