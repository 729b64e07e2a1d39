package store

import (
	"sync"
	"testing"
)

func TestSessionLocksSerialize(t *testing.T) {
	locks := NewSessionLocks()

	const workers = 16
	const rounds = 100
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				locks.Lock("sess-a")
				counter++
				locks.Unlock("sess-a")
			}
		}()
	}
	wg.Wait()

	if counter != workers*rounds {
		t.Errorf("counter = %d, want %d", counter, workers*rounds)
	}
	if locks.Len() != 0 {
		t.Errorf("lock map has %d entries after release, want 0", locks.Len())
	}
}

func TestSessionLocksIndependent(t *testing.T) {
	locks := NewSessionLocks()

	locks.Lock("sess-a")
	done := make(chan struct{})
	go func() {
		locks.Lock("sess-b")
		locks.Unlock("sess-b")
		close(done)
	}()

	// Locking a different session must not block on sess-a.
	<-done
	locks.Unlock("sess-a")

	if locks.Len() != 0 {
		t.Errorf("lock map has %d entries after release, want 0", locks.Len())
	}
}

func TestSessionLocksUnlockUnheld(t *testing.T) {
	locks := NewSessionLocks()
	defer func() {
		if recover() == nil {
			t.Error("Unlock of unheld lock did not panic")
		}
	}()
	locks.Unlock("sess-x")
}
