package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/smpbroker/broker/internal/proto"
	"github.com/smpbroker/broker/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClient struct {
	ends chan proto.ID
}

func newFakeClient() *fakeClient { return &fakeClient{ends: make(chan proto.ID, 4)} }

func (f *fakeClient) PushEnd(rid proto.ID) { f.ends <- rid }

func TestSubscribeDisplacesPriorHolder(t *testing.T) {
	r := registry.New(zerolog.Nop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	first := newFakeClient()
	second := newFakeClient()

	r.Subscribe("rid", first)
	if cur, ok := r.Current("rid"); !ok || cur != first {
		t.Fatalf("Current(rid) = %v, %v, want first", cur, ok)
	}

	r.Subscribe("rid", second)

	select {
	case rid := <-first.ends:
		if rid != "rid" {
			t.Fatalf("END for wrong rid: %s", rid)
		}
	case <-time.After(time.Second):
		t.Fatalf("displaced client never received END")
	}

	if cur, ok := r.Current("rid"); !ok || cur != second {
		t.Fatalf("Current(rid) = %v, %v, want second", cur, ok)
	}
	select {
	case rid := <-second.ends:
		t.Fatalf("new subscriber received an unexpected END for %s", rid)
	default:
	}
}

func TestResubscribeBySameClientIsNotADisplacement(t *testing.T) {
	r := registry.New(zerolog.Nop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	client := newFakeClient()
	r.Subscribe("rid", client)
	r.Subscribe("rid", client)

	select {
	case rid := <-client.ends:
		t.Fatalf("re-subscribing client received a self-END for %s", rid)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeOnlyRemovesMatchingClient(t *testing.T) {
	r := registry.New(zerolog.Nop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	first := newFakeClient()
	second := newFakeClient()

	r.Subscribe("rid", first)
	r.Subscribe("rid", second) // first is now displaced; Run delivers its END
	<-first.ends

	// A stale Unsubscribe referencing the since-displaced client is a no-op.
	r.Unsubscribe("rid", first)
	if cur, ok := r.Current("rid"); !ok || cur != second {
		t.Fatalf("stale Unsubscribe removed the current subscriber")
	}

	r.Unsubscribe("rid", second)
	if _, ok := r.Current("rid"); ok {
		t.Fatalf("Current(rid) still present after matching Unsubscribe")
	}
}
