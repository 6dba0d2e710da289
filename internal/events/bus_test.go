package events

import "testing"

func TestBusFanOutAndDrop(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe(EventOrderUpdate, 1)
	c, unsubC := b.Subscribe(EventOrderUpdate, 4)
	defer unsubC()

	b.Publish(EventOrderUpdate, 1)
	b.Publish(EventOrderUpdate, 2)

	if v := <-a; v != 1 {
		t.Fatalf("a got %v", v)
	}
	if len(c) != 2 {
		t.Fatalf("c buffered %d, expected 2", len(c))
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d, expected 1", b.Dropped())
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	var nilBus *Bus
	nilBus.Publish(EventPriceTick, nil)
}
