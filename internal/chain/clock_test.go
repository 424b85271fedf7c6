package chain

import (
	"context"
	"testing"
)

func TestManualClockAdvance(t *testing.T) {
	c := NewManualClock(1)
	ctx := context.Background()

	h, err := c.CurrentHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h != 1 {
		t.Fatalf("height = %d, want 1", h)
	}

	c.Advance(5)
	if h, _ := c.CurrentHeight(ctx); h != 6 {
		t.Fatalf("height = %d, want 6", h)
	}
}

func TestManualClockNeverRewinds(t *testing.T) {
	c := NewManualClock(10)

	c.SetHeight(4)
	if h, _ := c.CurrentHeight(context.Background()); h != 10 {
		t.Fatalf("height = %d, want 10 after rewind attempt", h)
	}

	c.SetHeight(12)
	if h, _ := c.CurrentHeight(context.Background()); h != 12 {
		t.Fatalf("height = %d, want 12", h)
	}
}

func TestManualClockConcurrentAdvance(t *testing.T) {
	c := NewManualClock(0)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.Advance(1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if h, _ := c.CurrentHeight(context.Background()); h != 1000 {
		t.Fatalf("height = %d, want 1000", h)
	}
}
