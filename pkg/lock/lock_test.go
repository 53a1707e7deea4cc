package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

func TestFileLockerExclusive(t *testing.T) {
	locker := NewFileLocker(t.TempDir())
	dgst := digest.FromString("FROM ubuntu:noble")

	first, err := locker.AcquireLock(context.Background(), dgst)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	// flock is per open file description, so a second acquisition in the
	// same process still contends
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := locker.AcquireLock(ctx, dgst); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to time out, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	second, err := locker.AcquireLock(context.Background(), dgst)
	if err != nil {
		t.Fatalf("AcquireLock after release failed: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestFileLockerIndependentDigests(t *testing.T) {
	locker := NewFileLocker(t.TempDir())

	a, err := locker.AcquireLock(context.Background(), digest.FromString("a"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := locker.AcquireLock(ctx, digest.FromString("b"))
	if err != nil {
		t.Fatalf("different digest blocked: %v", err)
	}
	b.Release()
}

func TestFileLockerRejectsInvalidDigest(t *testing.T) {
	if _, err := NewFileLocker(t.TempDir()).AcquireLock(context.Background(), digest.Digest("../../etc")); err == nil {
		t.Error("expected error for invalid digest")
	}
}

func TestNoOpLocker(t *testing.T) {
	l, err := NewNoOpLocker().AcquireLock(context.Background(), digest.FromString("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
}
