package packetpass

import "testing"

func TestSendDoneRoundTrip(t *testing.T) {
	var got []byte
	var gotLen int
	ch := NewChannel(16, func(buf []byte, length int) {
		got = buf
		gotLen = length
	})
	if ch.InFlight() {
		t.Fatal("expected idle before Send")
	}
	buf := []byte("hello")
	ch.Send(buf, len(buf))
	if !ch.InFlight() {
		t.Fatal("expected in-flight after Send")
	}
	if gotLen != len(buf) || string(got) != "hello" {
		t.Fatalf("onSend saw %q/%d", got, gotLen)
	}
	ch.Done()
	if ch.InFlight() {
		t.Fatal("expected idle after Done")
	}
}

func TestDoneFromWithinSend(t *testing.T) {
	var ch *Channel
	ch = NewChannel(4, func(buf []byte, length int) {
		// consumer finishes synchronously
		ch.Done()
	})
	ch.Send([]byte{1, 2}, 2)
	if ch.InFlight() {
		t.Fatal("expected idle: Done fired synchronously from Send")
	}
	// A second Send must be accepted since state is idle again.
	ch.Send([]byte{3}, 1)
}

func TestSendPanicsWhileInFlight(t *testing.T) {
	ch := NewChannel(4, func(buf []byte, length int) {})
	ch.Send([]byte{1}, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic sending while in-flight")
		}
	}()
	ch.Send([]byte{2}, 1)
}

func TestDonePanicsWhileIdle(t *testing.T) {
	ch := NewChannel(4, func(buf []byte, length int) {})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Done while idle")
		}
	}()
	ch.Done()
}

func TestRequestCancelIdempotent(t *testing.T) {
	calls := 0
	ch := NewChannel(4, func(buf []byte, length int) {})
	ch.SetCancelHandler(func() { calls++ })
	ch.Send([]byte{1}, 1)
	ch.RequestCancel()
	ch.RequestCancel()
	ch.RequestCancel()
	if calls != 1 {
		t.Fatalf("expected exactly 1 cancel handler call, got %d", calls)
	}
	ch.Done()
}

func TestDoneHandlerFiresOnDone(t *testing.T) {
	calls := 0
	ch := NewChannel(4, func(buf []byte, length int) {})
	ch.SetDoneHandler(func() { calls++ })
	ch.Send([]byte{1}, 1)
	if calls != 0 {
		t.Fatal("onDone must not fire before Done")
	}
	ch.Done()
	if calls != 1 {
		t.Fatalf("expected 1 onDone call, got %d", calls)
	}
}

func TestRequestCancelWithoutHandlerIsNoop(t *testing.T) {
	ch := NewChannel(4, func(buf []byte, length int) {})
	ch.Send([]byte{1}, 1)
	ch.RequestCancel() // must not panic
	ch.Done()
}
