package bus

import (
	"testing"
	"time"

	"github.com/skillrun/skillrun/internal/types"
)

func TestSubscribe_DeliversOnlyMatchingKind(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(types.EventStepCommitted)
	other := b.Subscribe(types.EventEscalated)

	b.Publish(types.ExecutionEvent{Kind: types.EventStepCommitted})

	select {
	case ev := <-ch:
		if ev.Kind != types.EventStepCommitted {
			t.Errorf("got kind %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the subscriber to receive the event")
	}

	select {
	case <-other:
		t.Fatal("subscriber for a different kind should not receive this event")
	default:
	}
}

func TestTap_ReceivesEveryKind(t *testing.T) {
	b := New(nil)
	tap := b.NewTap()

	b.Publish(types.ExecutionEvent{Kind: types.EventPlanReady})
	b.Publish(types.ExecutionEvent{Kind: types.EventRunFinished})

	for _, want := range []types.EventKind{types.EventPlanReady, types.EventRunFinished} {
		select {
		case ev := <-tap:
			if ev.Kind != want {
				t.Errorf("got %v, want %v", ev.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected tap to receive %v", want)
		}
	}
}

func TestPublish_DropsWhenSubscriberFull(t *testing.T) {
	// Publish must never block on a full subscriber channel.
	b := New(nil)
	ch := b.Subscribe(types.EventCheckpointSaved)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufSize+10; i++ {
			b.Publish(types.ExecutionEvent{Kind: types.EventCheckpointSaved})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel instead of dropping")
	}
	<-ch // drain one to avoid leaking a goroutine warning
}
