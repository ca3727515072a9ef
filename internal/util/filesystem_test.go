package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsSameFilesystem(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Mkdir(b, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	same, err := IsSameFilesystem(a, b)
	if err != nil {
		t.Fatalf("IsSameFilesystem failed: %v", err)
	}
	if !same {
		t.Error("expected paths in one temp dir to share a filesystem")
	}

	if _, err := IsSameFilesystem(a, filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestCanonicalPath(t *testing.T) {
	got, err := CanonicalPath("/path/to/../other/")
	if err != nil {
		t.Fatalf("CanonicalPath failed: %v", err)
	}
	if got != "/path/other" {
		t.Errorf("expected /path/other, got %q", got)
	}

	rel, err := CanonicalPath("x")
	if err != nil {
		t.Fatalf("CanonicalPath failed: %v", err)
	}
	if !filepath.IsAbs(rel) {
		t.Errorf("expected absolute path, got %q", rel)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{-2048, "-2.0 KiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTryLockFileExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "x.lock")

	first, err := TryLockFile(path)
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}

	if _, err := TryLockFile(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for second holder, got %v", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}

	second, err := TryLockFile(path)
	if err != nil {
		t.Fatalf("lock after unlock failed: %v", err)
	}
	second.Unlock()

	var nilLock *FileLock
	if err := nilLock.Unlock(); err != nil {
		t.Errorf("nil unlock should be a no-op, got %v", err)
	}
}

func TestLockFileTimeoutGivesUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	held, err := TryLockFile(path)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	start := time.Now()
	if _, err := LockFileTimeout(path, 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout while held, got %v", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("waited %s for a 100ms timeout", waited)
	}

	held.Unlock()
	lock, err := LockFileTimeout(path, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	lock.Unlock()
}

func TestKindErrorMatchesKindAndCause(t *testing.T) {
	cause := os.ErrNotExist
	err := WrapKind(ErrIO, "hash /x", cause)

	if !errors.Is(err, ErrIO) {
		t.Error("expected errors.Is(err, ErrIO)")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("expected errors.Is(err, os.ErrNotExist)")
	}
	if KindOf(err) != ErrIO {
		t.Errorf("KindOf = %v, want ErrIO", KindOf(err))
	}
	if KindOf(errors.New("plain")) != nil {
		t.Error("plain errors carry no kind")
	}
}
