package bus

import (
	"context"
	"testing"
	"time"
)

func TestWorkerSendManagerRecvFIFO(t *testing.T) {
	b := New(2)
	w := b.Worker(1)

	w.Send(Message{Kind: Print, RequesterTID: 1, Arg0: 1})
	w.Send(Message{Kind: Print, RequesterTID: 1, Arg0: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m1, ok := b.Recv(ctx)
	if !ok || m1.Arg0 != 1 {
		t.Fatalf("first Recv = %+v, %v; want Arg0=1", m1, ok)
	}
	m2, ok := b.Recv(ctx)
	if !ok || m2.Arg0 != 2 {
		t.Fatalf("second Recv = %+v, %v; want Arg0=2", m2, ok)
	}
}

func TestManagerSendWorkerRecv(t *testing.T) {
	b := New(2)
	b.Send(Message{Kind: MakeRunnable, RequesterTID: 7}, 2)

	w := b.Worker(2)
	m, ok := w.Recv()
	if !ok || m.RequesterTID != 7 {
		t.Fatalf("Recv = %+v, %v; want RequesterTID=7", m, ok)
	}
	if _, ok := w.Recv(); ok {
		t.Fatalf("second Recv on empty inbound queue returned a message")
	}
}

func TestRecvRoundRobinsAcrossWorkers(t *testing.T) {
	b := New(3)
	b.Worker(3).Send(Message{Kind: Vanish, RequesterCPU: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, ok := b.Recv(ctx)
	if !ok || m.RequesterCPU != 3 {
		t.Fatalf("Recv = %+v, %v; want a message from CPU 3", m, ok)
	}
}

func TestRecvContextCancel(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, ok := b.Recv(ctx); ok {
		t.Fatalf("Recv on an empty bus returned a message before the context expired")
	}
}

func TestWorkerEndStampsRequesterCPU(t *testing.T) {
	b := New(1)
	b.Worker(1).Send(Message{Kind: Yield})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, ok := b.Recv(ctx)
	if !ok || m.RequesterCPU != 1 {
		t.Fatalf("Recv = %+v, %v; want RequesterCPU=1", m, ok)
	}
}
