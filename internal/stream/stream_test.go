package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFiltersByDatabase(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refs := s.Subscribe(ctx, "carelink_referrals")
	all := s.Subscribe(ctx, "")

	s.Publish(ChangeEvent{DB: "carelink_patients", Seq: 1})
	s.Publish(ChangeEvent{DB: "carelink_referrals", Seq: 2})

	select {
	case evt := <-refs:
		if evt.Seq != 2 {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected referral event")
	}
	if got := (<-all).Seq; got != 1 {
		t.Fatalf("expected first event seq 1, got %d", got)
	}
	if got := (<-all).Seq; got != 2 {
		t.Fatalf("expected second event seq 2, got %d", got)
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
