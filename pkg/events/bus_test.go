package events

import (
	"testing"
	"time"
)

func TestBus_PublishAssignsMonotonicSeq(t *testing.T) {
	b := New()
	e1 := b.Publish("w1", TypeWorkflowStarted, nil)
	e2 := b.Publish("w1", TypeNodeStarted, map[string]any{"index": 0})

	if e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", e1.Seq, e2.Seq)
	}
}

func TestBus_SubscribeReceivesLiveEvents(t *testing.T) {
	b := New()
	ch, replay, cancel := b.Subscribe("w1", 0)
	defer cancel()

	if len(replay) != 0 {
		t.Fatalf("expected no replay for a fresh stream, got %v", replay)
	}

	b.Publish("w1", TypeProgress, map[string]any{"value": 0.5})

	select {
	case ev := <-ch:
		if ev.Type != TypeProgress {
			t.Fatalf("expected progress event, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeReplaysFromSeq(t *testing.T) {
	b := New()
	b.Publish("w1", TypeWorkflowStarted, nil)
	b.Publish("w1", TypeNodeStarted, nil)
	b.Publish("w1", TypeNodeFinished, nil)

	_, replay, cancel := b.Subscribe("w1", 1)
	defer cancel()

	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed events after seq 1, got %d", len(replay))
	}
	if replay[0].Seq != 2 || replay[1].Seq != 3 {
		t.Fatalf("expected seqs [2 3], got [%d %d]", replay[0].Seq, replay[1].Seq)
	}
}

func TestBus_CloseDisconnectsSubscribers(t *testing.T) {
	b := New()
	ch, _, cancel := b.Subscribe("w1", 0)
	defer cancel()

	b.Close("w1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
