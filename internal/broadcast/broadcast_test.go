package broadcast

import "testing"

func TestSubscribeReceivesSend(t *testing.T) {
	b := New[string]()
	sub, id := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Send("hello")

	ev := <-sub.C()
	if ev.Value != "hello" || ev.Lag != 0 {
		t.Fatalf("got %+v, want {hello 0}", ev)
	}
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	b := New[int]()
	subA, idA := b.Subscribe()
	subB, idB := b.Subscribe()
	defer b.Unsubscribe(idA)
	defer b.Unsubscribe(idB)

	b.Send(42)

	if ev := <-subA.C(); ev.Value != 42 {
		t.Fatalf("subscriber A got %d, want 42", ev.Value)
	}
	if ev := <-subB.C(); ev.Value != 42 {
		t.Fatalf("subscriber B got %d, want 42", ev.Value)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[int]()
	sub, id := b.Subscribe()
	b.Unsubscribe(id)

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestOverflowDropsOldestAndReportsLag(t *testing.T) {
	b := NewWithCapacity[int](2)
	sub, id := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Send(1)
	b.Send(2)
	b.Send(3) // buffer capacity 2: this should evict the oldest (1)

	first := <-sub.C()
	if first.Value != 2 {
		t.Fatalf("first received value = %d, want 2 (oldest event 1 should have been dropped)", first.Value)
	}
	second := <-sub.C()
	if second.Value != 3 {
		t.Fatalf("second received value = %d, want 3", second.Value)
	}
	if second.Lag == 0 {
		t.Fatal("expected a non-zero Lag on the event whose delivery forced the drop")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New[int]()
	if b.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers initially")
	}
	_, id := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatal("expected one subscriber after Subscribe")
	}
	b.Unsubscribe(id)
	if b.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers after Unsubscribe")
	}
}

func TestSendDoesNotBlockWithNoSubscribers(t *testing.T) {
	b := New[int]()
	b.Send(1) // must not block or panic
}
