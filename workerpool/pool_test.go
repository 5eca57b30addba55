package workerpool_test

import (
	"testing"
	"time"

	"github.com/dmagyar/badvpn/workerpool"
)

func TestSubmitDeliversResult(t *testing.T) {
	p := workerpool.New(2, nil)
	defer p.Halt()

	done := make(chan int, 1)
	p.Submit(func() interface{} {
		return 42
	}, func(v interface{}) {
		done <- v.(int)
	})

	deadline := time.After(time.Second)
	for {
		p.Pump()
		select {
		case v := <-done:
			if v != 42 {
				t.Fatalf("got %d, want 42", v)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for result")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestFreedHandleSuppressesDelivery(t *testing.T) {
	p := workerpool.New(1, nil)
	defer p.Halt()

	started := make(chan struct{})
	release := make(chan struct{})
	delivered := false

	h := p.Submit(func() interface{} {
		close(started)
		<-release
		return "late"
	}, func(v interface{}) {
		delivered = true
	})

	<-started
	h.Free()
	close(release)

	// Give the worker time to finish and enqueue its result.
	time.Sleep(50 * time.Millisecond)
	p.Pump()

	if delivered {
		t.Fatal("expected freed handle's result to be discarded")
	}
}

func TestPumpIsNonBlockingWhenEmpty(t *testing.T) {
	p := workerpool.New(1, nil)
	defer p.Halt()

	done := make(chan struct{})
	go func() {
		p.Pump()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump blocked with no results queued")
	}
}

func TestMultipleSubmissionsAllDelivered(t *testing.T) {
	p := workerpool.New(4, nil)
	defer p.Halt()

	const n = 50
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		p.Submit(func() interface{} {
			return i * i
		}, func(v interface{}) {
			results <- v.(int)
		})
	}

	seen := 0
	deadline := time.After(2 * time.Second)
	for seen < n {
		p.Pump()
		select {
		case <-results:
			seen++
		case <-deadline:
			t.Fatalf("only received %d/%d results", seen, n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
