package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/brice/clapcore/internal/model"
)

// Filesystem is the filesystem storage backend: one directory per event
// under <root>/<device_id>/<kind>/<event_id>/, event.json plus an optional
// video.mp4, matching the canonical artefact layout in §3. Atomicity for a
// single event's directory is achieved by writing to a temp file in the
// same directory and renaming over the target (rename is atomic within a
// filesystem), the same idiom the teacher uses for its config file writes.
type Filesystem struct {
	root string
	mu   sync.Mutex
}

func NewFilesystem(root string) *Filesystem {
	return &Filesystem{root: root}
}

func (f *Filesystem) eventDir(ev model.Event) string {
	return filepath.Join(f.root, ev.DeviceID, string(ev.Kind), ev.ID)
}

func (f *Filesystem) eventDirByID(deviceID, kind, id string) string {
	return filepath.Join(f.root, deviceID, kind, id)
}

func (f *Filesystem) SaveEvent(ctx context.Context, ev model.Event) (SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.eventDir(ev)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Failed, fmt.Errorf("filesystem storage: mkdir: %w", err)
	}

	target := filepath.Join(dir, "event.json")
	existed := false
	if _, err := os.Stat(target); err == nil {
		existed = true
	}

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return Failed, fmt.Errorf("filesystem storage: marshal: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Failed, fmt.Errorf("filesystem storage: write: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return Failed, fmt.Errorf("filesystem storage: rename: %w", err)
	}

	if existed {
		return AlreadyExists, nil
	}
	return Saved, nil
}

// RetrieveEvent searches every <kind> subdirectory under every device
// directory for <id>/event.json, since the filesystem layout is keyed by
// device_id/kind, not just id.
func (f *Filesystem) RetrieveEvent(ctx context.Context, id string) (model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deviceDirs, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, err
	}
	for _, dd := range deviceDirs {
		if !dd.IsDir() {
			continue
		}
		kindDirs, err := os.ReadDir(filepath.Join(f.root, dd.Name()))
		if err != nil {
			continue
		}
		for _, kd := range kindDirs {
			if !kd.IsDir() {
				continue
			}
			candidate := filepath.Join(f.root, dd.Name(), kd.Name(), id, "event.json")
			data, err := os.ReadFile(candidate)
			if err != nil {
				continue
			}
			var ev model.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return model.Event{}, fmt.Errorf("filesystem storage: unmarshal %s: %w", candidate, err)
			}
			return ev, nil
		}
	}
	return model.Event{}, ErrNotFound
}

func (f *Filesystem) SaveVideo(ctx context.Context, eventID string, video VideoData, metadata map[string]string) (string, error) {
	ev, err := f.RetrieveEvent(ctx, eventID)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.eventDir(ev)
	target := filepath.Join(dir, "video.mp4")

	if video.PathOrURL != "" {
		if err := copyFile(video.PathOrURL, target); err != nil {
			return "", fmt.Errorf("filesystem storage: copy video: %w", err)
		}
		return target, nil
	}
	if err := os.WriteFile(target, video.Bytes, 0644); err != nil {
		return "", fmt.Errorf("filesystem storage: write video: %w", err)
	}
	return target, nil
}

func (f *Filesystem) RetrieveVideo(ctx context.Context, eventID string) (string, error) {
	ev, err := f.RetrieveEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.eventDir(ev), "video.mp4")
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

func (f *Filesystem) Close() error { return nil }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
