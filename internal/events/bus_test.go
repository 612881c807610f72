package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan TailEvent) TailEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event within 2s")
		return TailEvent{}
	}
}

func wantEmpty(t *testing.T, ch <-chan TailEvent) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected buffered event: %+v", e)
	default:
	}
}

func TestNilBusIsInert(t *testing.T) {
	var b *Bus
	if missed := b.Publish(TailEvent{Topic: TopicSTTFinal, Type: TypeSTTFinal}); missed != 0 {
		t.Errorf("nil bus Publish missed = %d, want 0", missed)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("nil bus SubscriberCount = %d, want 0", got)
	}
}

func TestPublishWithNoViewers(t *testing.T) {
	if missed := NewBus().Publish(TailEvent{Topic: TopicWakeEvent, Type: TypeWakeEvent}); missed != 0 {
		t.Errorf("Publish on empty bus missed = %d, want 0", missed)
	}
}

func TestPublishDeliversToAllViewers(t *testing.T) {
	b := NewBus()
	viewers := []<-chan TailEvent{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}

	want := TailEvent{
		TS:      time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Topic:   TopicSTTFinal,
		Type:    TypeSTTFinal,
		Source:  "stt-worker",
		Payload: []byte(`{"text":"turn left ten degrees"}`),
	}
	if missed := b.Publish(want); missed != 0 {
		t.Errorf("Publish missed = %d, want 0", missed)
	}

	for i, ch := range viewers {
		got := recv(t, ch)
		if !got.TS.Equal(want.TS) {
			t.Errorf("viewer %d: TS = %v, want %v", i, got.TS, want.TS)
		}
		if got.Topic != want.Topic || got.Type != want.Type || got.Source != want.Source {
			t.Errorf("viewer %d: got %+v, want %+v", i, got, want)
		}
		if string(got.Payload) != string(want.Payload) {
			t.Errorf("viewer %d: payload = %s", i, got.Payload)
		}
	}
}

func TestSlowViewerMissesEvents(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(2)
	defer b.Unsubscribe(ch)

	for seq, wantMissed := range []int{0, 0, 1} {
		evt := TailEvent{
			Topic:   TopicMovementFrame,
			Type:    TypeMovementFrame,
			Payload: fmt.Appendf(nil, `{"seq":%d}`, seq+1),
		}
		if missed := b.Publish(evt); missed != wantMissed {
			t.Errorf("publish %d: missed = %d, want %d", seq+1, missed, wantMissed)
		}
	}

	// The two buffered events arrive in publish order; the third is gone.
	for _, want := range []string{`{"seq":1}`, `{"seq":2}`} {
		if got := recv(t, ch); string(got.Payload) != want {
			t.Errorf("payload = %s, want %s", got.Payload, want)
		}
	}
	wantEmpty(t, ch)
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := NewBus()
	keep := b.Subscribe(4)
	gone := b.Subscribe(4)

	b.Unsubscribe(gone)

	// The removed viewer no longer counts toward drops.
	if missed := b.Publish(TailEvent{Topic: TopicTTSStatus, Type: TypeTTSStatus}); missed != 0 {
		t.Errorf("Publish missed = %d, want 0", missed)
	}
	if got := recv(t, keep); got.Topic != TopicTTSStatus {
		t.Errorf("surviving viewer got topic %q, want %q", got.Topic, TopicTTSStatus)
	}
	if _, ok := <-gone; ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(2)

	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second removal is a no-op

	other := NewBus()
	other.Subscribe(2)
	other.Unsubscribe(ch) // channel belongs to a different bus
	if got := other.SubscriberCount(); got != 1 {
		t.Errorf("foreign Unsubscribe changed count: got %d, want 1", got)
	}
}

func TestSubscriberCountTracksViewers(t *testing.T) {
	b := NewBus()
	var viewers []<-chan TailEvent
	for i := 1; i <= 3; i++ {
		viewers = append(viewers, b.Subscribe(1))
		if got := b.SubscriberCount(); got != i {
			t.Fatalf("after %d subscribes: count = %d", i, got)
		}
	}
	for i, ch := range viewers {
		b.Unsubscribe(ch)
		if got, want := b.SubscriberCount(), len(viewers)-i-1; got != want {
			t.Fatalf("after removing %d viewers: count = %d, want %d", i+1, got, want)
		}
	}
}

func TestConcurrentPublishAndChurn(t *testing.T) {
	b := NewBus()

	drain := b.Subscribe(64)
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range drain {
			// Drops under load are fine; receiving without racing
			// the churn below is what this test is about.
		}
	}()

	var work sync.WaitGroup
	for range 4 {
		work.Add(1)
		go func() {
			defer work.Done()
			for range 200 {
				b.Publish(TailEvent{
					TS:      time.Now(),
					Topic:   TopicSTTPartial,
					Type:    TypeSTTPartial,
					Payload: []byte(`{"text":"..."}`),
				})
			}
		}()
	}
	work.Add(1)
	go func() {
		defer work.Done()
		for range 100 {
			ch := b.Subscribe(1)
			b.Unsubscribe(ch)
		}
	}()

	work.Wait()
	b.Unsubscribe(drain)
	drained.Wait()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("count after churn = %d, want 0", got)
	}
}
