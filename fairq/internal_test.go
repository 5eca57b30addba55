package fairq

import (
	"container/heap"
	"testing"
)

// fakeSender is a minimal packetpass.Sender for whitebox tests that only
// need MTU/SetDoneHandler plumbing, not actual delivery.
type fakeSender struct {
	mtu    int
	onDone func()
}

func (s *fakeSender) MTU() int                    { return s.mtu }
func (s *fakeSender) Send(buf []byte, length int) {}
func (s *fakeSender) RequestCancel()              {}
func (s *fakeSender) SetDoneHandler(f func())     { s.onDone = f }

func TestRebasePreservesRelativeOrder(t *testing.T) {
	q, err := New(&fakeSender{mtu: 1500}, false, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, b, c := NewFlow(), NewFlow(), NewFlow()
	q.FlowInit(a)
	q.FlowInit(b)
	q.FlowInit(c)
	a.vt = 100
	b.vt = 250
	c.vt = 175

	q.rebase()

	if a.vt != 0 {
		t.Fatalf("expected min flow rebased to 0, got %d", a.vt)
	}
	if !(a.vt < c.vt && c.vt < b.vt) {
		t.Fatalf("relative order not preserved: a=%d b=%d c=%d", a.vt, b.vt, c.vt)
	}
	if c.vt != 75 || b.vt != 150 {
		t.Fatalf("unexpected rebased values: b=%d c=%d", b.vt, c.vt)
	}
}

func TestHeapOrdersByVTThenSeq(t *testing.T) {
	q, err := New(&fakeSender{mtu: 1500}, false, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, b, c := NewFlow(), NewFlow(), NewFlow()
	q.FlowInit(a)
	q.FlowInit(b)
	q.FlowInit(c)

	// Same vt: FIFO by seq.
	a.vt, a.seq = 5, 2
	b.vt, b.seq = 5, 1
	c.vt, c.seq = 3, 9
	heap.Push(&q.heap, c)
	heap.Push(&q.heap, a)
	heap.Push(&q.heap, b)

	first := heap.Pop(&q.heap).(*Flow)
	if first != c {
		t.Fatalf("expected c (lowest vt) first, got %p", first)
	}
	second := heap.Pop(&q.heap).(*Flow)
	if second != b {
		t.Fatalf("expected b (lower seq at tied vt) second, got %p", second)
	}
	third := heap.Pop(&q.heap).(*Flow)
	if third != a {
		t.Fatalf("expected a last, got %p", third)
	}
}

func TestFlowFreeRemovesFromHeap(t *testing.T) {
	q, err := New(&fakeSender{mtu: 1500}, false, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, b := NewFlow(), NewFlow()
	q.FlowInit(a)
	q.FlowInit(b)
	a.vt, a.seq = 1, 0
	a.queued = true
	heap.Push(&q.heap, a)
	b.vt, b.seq = 2, 1
	b.queued = true
	heap.Push(&q.heap, b)

	q.freeing = true
	q.flowFree(a)
	if q.heap.Len() != 1 {
		t.Fatalf("expected 1 flow remaining in heap, got %d", q.heap.Len())
	}
	if q.heap[0] != b {
		t.Fatalf("expected b to remain, got %p", q.heap[0])
	}
}
