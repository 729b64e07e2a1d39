package store

import (
	"context"
	"errors"
	"testing"
)

// flakyStore fails GetSession and CreateSession a configured number of times
// before succeeding. Unused Store methods panic via the embedded nil.
type flakyStore struct {
	Store
	calls    int
	failures int
	err      error
}

func (f *flakyStore) GetSession(ctx context.Context, id string) (*Session, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Session{ID: id}, nil
}

func (f *flakyStore) CreateSession(ctx context.Context, sess *Session) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func TestRetryRecoversFromOneTransientFailure(t *testing.T) {
	inner := &flakyStore{failures: 1, err: errors.New("database is locked (5) (SQLITE_BUSY)")}
	s := WithRetry(inner)

	sess, err := s.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ID != "s1" || inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
}

func TestRetryGivesUpAfterOneRetry(t *testing.T) {
	inner := &flakyStore{failures: 5, err: errors.New("database is locked")}
	s := WithRetry(inner)

	if _, err := s.GetSession(context.Background(), "s1"); err == nil {
		t.Fatal("persistent failure did not surface")
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want exactly 2", inner.calls)
	}
}

func TestRetryDoesNotRetryConflicts(t *testing.T) {
	inner := &flakyStore{failures: 1, err: ErrConflict}
	s := WithRetry(inner)

	if err := s.CreateSession(context.Background(), &Session{ID: "dup"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (conflicts are not transient)", inner.calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyStore{failures: 1, err: errors.New("syntax error near SELECT")}
	s := WithRetry(inner)

	if _, err := s.GetSession(context.Background(), "s1"); err == nil {
		t.Fatal("permanent failure did not surface")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}
