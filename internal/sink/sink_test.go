package sink

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not on PATH, skipping mux-dependent test")
	}
}

func TestSinkStartIsIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "out.mp4"), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

func TestSinkCloseWithNoFramesReportsZeroSize(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotSize int64
	var calls int

	out := filepath.Join(t.TempDir(), "out.mp4")
	s := New(out, func(path string, size int64) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotPath = path
		gotSize = size
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("onComplete called %d times, want 1", calls)
	}
	if gotPath != out {
		t.Errorf("gotPath = %q, want %q", gotPath, out)
	}
	if gotSize != 0 {
		t.Errorf("gotSize = %d, want 0 (no frames were ever written)", gotSize)
	}
}

func TestSinkCloseIsIdempotent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	s := New(filepath.Join(t.TempDir(), "out.mp4"), func(path string, size int64) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("onComplete called %d times across two Close calls, want 1", calls)
	}
}

func TestSinkWriteIsANoOpCounter(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "out.mp4"), nil)
	if err := s.Write("frame"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.mu.Lock()
	count := s.frameCount
	s.mu.Unlock()
	if count != 1 {
		t.Errorf("frameCount = %d, want 1", count)
	}
}

func TestSinkMuxProducesNonEmptyOutputWhenFFmpegAvailable(t *testing.T) {
	requireFFmpeg(t)

	out := filepath.Join(t.TempDir(), "out.mp4")
	s := New(out, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A single Annex-B start code with no real NALU payload is enough to
	// give ffmpeg something to remux, exercising the fallback-to-raw path
	// if ffmpeg rejects the malformed stream, or the real mux path if it
	// tolerates it — either way the size must be > 0.
	if err := s.writeAnnexB([]byte{0x67, 0x42, 0x00, 0x1f}); err != nil {
		t.Fatalf("writeAnnexB: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected a non-empty output file after muxing a non-empty raw stream")
	}
}
