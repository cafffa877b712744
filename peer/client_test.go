package peer

import "testing"

func TestClientSendQueuesInOrder(t *testing.T) {
	c := NewClient("alice", 4)

	for i := range 3 {
		if !c.Send(i) {
			t.Fatalf("send %d rejected", i)
		}
	}

	for i := range 3 {
		got := <-c.Messages()
		if got != i {
			t.Fatalf("expected %d, got %v", i, got)
		}
	}
}

func TestClientSendFullQueue(t *testing.T) {
	c := NewClient("alice", 1)

	if !c.Send("first") {
		t.Fatal("expected first send to succeed")
	}
	if c.Send("second") {
		t.Fatal("expected send on full queue to fail")
	}
}

func TestClientCloseTwice(t *testing.T) {
	c := NewClient("alice", 1)

	c.Close()
	c.Close()

	if !c.Closed() {
		t.Fatal("expected client to be closed")
	}
	if c.Send("late") {
		t.Fatal("expected send after close to fail")
	}
	if _, ok := <-c.Messages(); ok {
		t.Fatal("expected message channel to be closed")
	}
}

func TestClientIDsAreUnique(t *testing.T) {
	a := NewClient("alice", 1)
	b := NewClient("alice", 1)

	if a.ID() == b.ID() {
		t.Fatalf("expected distinct connection ids, got %q twice", a.ID())
	}
	if a.UID() != "alice" {
		t.Fatalf("expected uid alice, got %q", a.UID())
	}
}
