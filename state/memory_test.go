package state

import (
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Put("queue.task.1", []byte("v1"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, err := s.Get("queue.task.1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("Get = %q, want v1", val)
	}

	// Returned slice is a copy.
	val[0] = 'X'
	val2, _ := s.Get("queue.task.1")
	if string(val2) != "v1" {
		t.Error("Get returned a mutable reference to stored data")
	}

	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(""); err != ErrInvalidKey {
		t.Errorf("Get(empty) = %v, want ErrInvalidKey", err)
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Put("ephemeral", []byte("x"), 20*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Get("ephemeral"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := s.Get("ephemeral"); err != ErrNotFound {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_PutIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	won, err := s.PutIfAbsent("marker", []byte("first"), 0)
	if err != nil || !won {
		t.Fatalf("first PutIfAbsent: won=%v err=%v", won, err)
	}

	won, err = s.PutIfAbsent("marker", []byte("second"), 0)
	if err != nil || won {
		t.Fatalf("second PutIfAbsent: won=%v err=%v, want lost", won, err)
	}

	val, _ := s.Get("marker")
	if string(val) != "first" {
		t.Errorf("marker = %q, want the first write", val)
	}

	// An expired entry no longer blocks the write.
	if _, err := s.PutIfAbsent("short", []byte("a"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	won, err = s.PutIfAbsent("short", []byte("b"), 0)
	if err != nil || !won {
		t.Errorf("PutIfAbsent over expired entry: won=%v err=%v", won, err)
	}
}

func TestMemoryStore_PutIfAbsent_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	const n = 32
	var wg sync.WaitGroup
	var winners sync.Map
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			won, err := s.PutIfAbsent("slot", []byte{byte(i)}, 0)
			if err != nil {
				t.Errorf("PutIfAbsent: %v", err)
				return
			}
			if won {
				winners.Store(i, true)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	count := 0
	winners.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Errorf("got %d winners, want exactly 1", count)
	}
}

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_ = s.Put("queue.task.1", []byte("a"), 0)
	_ = s.Put("queue.task.2", []byte("b"), 0)
	_ = s.Put("perpetual.task.1", []byte("c"), 0)

	keys, err := s.Keys("queue.task.*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys(queue.task.*) = %v, want 2 entries", keys)
	}

	all, _ := s.Keys("*")
	if len(all) != 3 {
		t.Errorf("Keys(*) = %v, want 3 entries", all)
	}
}

func TestMemoryStore_Lock(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	l, err := s.Lock("rebalance.pass", time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if _, err := s.Lock("rebalance.pass", time.Second); err != ErrLockHeld {
		t.Errorf("second Lock = %v, want ErrLockHeld", err)
	}

	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.Unlock(); err != ErrLockNotHeld {
		t.Errorf("double Unlock = %v, want ErrLockNotHeld", err)
	}

	if _, err := s.Lock("rebalance.pass", time.Second); err != nil {
		t.Errorf("Lock after Unlock: %v", err)
	}
}

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Put("k", []byte("v"), 0)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := s.Get("k"); err != ErrClosed {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := s.Put("k", []byte("v"), 0); err != ErrClosed {
		t.Errorf("Put after Close = %v, want ErrClosed", err)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"queue.task.*", "queue.task.7", true},
		{"queue.task.*", "perpetual.task.7", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range tests {
		if got := MatchPattern(tc.pattern, tc.key); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}
