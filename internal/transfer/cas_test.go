package transfer

import "testing"

func TestCASPutGet(t *testing.T) {
	c := NewCAS()
	payload := []byte("hello chunk")
	key := Key(payload)

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss before Put")
	}
	c.Put(key, payload)
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestCASEvictsOldestBeyondCapacity(t *testing.T) {
	c := NewCAS()
	first := Key([]byte{0})
	c.Put(first, []byte{0})

	for i := 1; i <= casCapacity; i++ {
		p := []byte{byte(i), byte(i >> 8)}
		c.Put(Key(p), p)
	}

	if _, ok := c.Get(first); ok {
		t.Error("expected the oldest entry to have been evicted")
	}
}
