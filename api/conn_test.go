package api

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestConnSendNeverBlocks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := newConn(nil, 1, logger)

	if err := c.Send([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send([]byte("b")); !errors.Is(err, errSendBufferFull) {
		t.Fatalf("expected full buffer, got %v", err)
	}

	c.Close()
	c.Close()
	if err := c.Send([]byte("c")); !errors.Is(err, errConnClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestHubNotify(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHub()
	a, b := newConn(nil, 4, logger), newConn(nil, 4, logger)
	h.add(a)
	h.add(b)

	if !h.Notify(a.ID(), []byte("x")) {
		t.Fatalf("notify to live connection failed")
	}
	if h.Notify("missing", []byte("x")) {
		t.Fatalf("notify to unknown connection succeeded")
	}
	b.Close()
	if n := h.NotifyAll([]byte("y")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	h.remove(a.ID())
	if h.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", h.Len())
	}
	if got := len(a.send); got != 2 {
		t.Fatalf("expected 2 queued frames on a, got %d", got)
	}
}
