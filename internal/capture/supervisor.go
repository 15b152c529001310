package capture

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/brice/clapcore/internal/logx"
	"github.com/brice/clapcore/internal/model"
	"github.com/brice/clapcore/internal/storage"
)

// minUsableSize is the sink-output size floor below which a recording is
// treated as "no usable output" (§4.1/§4.5 step 5).
const minUsableSize = 1000

// handleRecordingCompleted implements §4.5 step 5: abandon if the sink
// produced nothing usable, else recover the event's kind via first-hit
// storage lookup (synthesising a minimal motion record if none is found),
// copy the live-view file into the canonical <device>/<kind>/<event_id>/
// layout, and write the updated record through to every backend.
func (e *Engine) handleRecordingCompleted(path string, size int64, eventID, deviceID string) {
	if size < minUsableSize {
		logx.Default().Warn("capture: recording too small, abandoning", "event_id", eventID, "device", deviceID, "size", size)
		os.Remove(path)
		return
	}
	if _, err := os.Stat(path); err != nil {
		logx.Default().Warn("capture: recording file missing, abandoning", "event_id", eventID, "device", deviceID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ev, found := storage.FirstHit(ctx, e.storages, eventID)
	if !found {
		logx.Default().Warn("capture: no stored event found for recording, synthesising minimal record", "event_id", eventID, "device", deviceID)
		ev = model.Event{
			ID:        eventID,
			Kind:      model.KindMotion,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			DeviceID:  deviceID,
		}
	}

	canonicalPath, err := e.copyIntoCanonicalLayout(path, ev)
	if err != nil {
		logx.Default().Warn("capture: failed to copy recording into canonical layout", "event_id", eventID, "err", err)
		canonicalPath = path
	}

	updated := ev.WithVideo(canonicalPath)

	for _, backend := range e.storages {
		if _, err := backend.SaveEvent(ctx, updated); err != nil {
			logx.Default().Warn("capture: failed to update event with video info", "event_id", eventID, "storage", err)
		}
		if _, err := backend.SaveVideo(ctx, eventID, storage.VideoData{PathOrURL: canonicalPath}, nil); err != nil {
			logx.Default().Warn("capture: failed to save video", "event_id", eventID, "err", err)
		}
	}

	logx.Default().Info("capture: recording attached to event", "event_id", eventID, "device", deviceID, "path", canonicalPath, "size", size)
}

// copyIntoCanonicalLayout copies the live-view output (never moves it, so
// a crash mid-copy never loses the only instance of the recording) into
// <root>/<device_id>/<kind>/<event_id>/video.mp4.
func (e *Engine) copyIntoCanonicalLayout(srcPath string, ev model.Event) (string, error) {
	dir := filepath.Join(e.cfg.StorageRoot, ev.DeviceID, string(ev.Kind), ev.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, "video.mp4")
	if err := copyFile(srcPath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

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
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
