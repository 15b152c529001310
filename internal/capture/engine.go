// Package capture is the Capture Engine (§4.5/§4.6): it wires the
// NotificationSource into the Event Normaliser and Storage fan-out, and
// owns the Recording Supervisor's single-flight per-device Live-View
// triggering. Grounded on original_source/src/capture/capture_engine.py's
// event-bus-plus-active-recordings shape, rebuilt on internal/bus and a
// mutex-guarded map instead of an asyncio event emitter + dict.
package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/brice/clapcore/internal/authcollab"
	"github.com/brice/clapcore/internal/bus"
	"github.com/brice/clapcore/internal/cloudapi"
	"github.com/brice/clapcore/internal/liveview"
	"github.com/brice/clapcore/internal/logx"
	"github.com/brice/clapcore/internal/model"
	"github.com/brice/clapcore/internal/notify"
	"github.com/brice/clapcore/internal/sink"
	"github.com/brice/clapcore/internal/storage"
)

// Default per-kind recording durations (§3/§4.5), overridable via Config.
const (
	DefaultDingDuration   = 30 * time.Second
	DefaultMotionDuration = 20 * time.Second
)

// Config configures one Engine.
type Config struct {
	StorageRoot    string
	DingDuration   time.Duration
	MotionDuration time.Duration
	Auth           authcollab.Collaborator
	CloudAPI       *cloudapi.Client
	WakeEnabled    bool
}

// Engine is the Capture Engine: one instance per daemon process.
type Engine struct {
	cfg      Config
	bus      *bus.Bus
	storages []storage.Backend

	mu    sync.Mutex
	slots map[string]string // device_id -> event_id currently recording

	wg sync.WaitGroup
}

// New builds an Engine and subscribes its Recording Supervisor to the bus.
func New(cfg Config, b *bus.Bus, backends []storage.Backend) *Engine {
	if cfg.DingDuration <= 0 {
		cfg.DingDuration = DefaultDingDuration
	}
	if cfg.MotionDuration <= 0 {
		cfg.MotionDuration = DefaultMotionDuration
	}
	e := &Engine{cfg: cfg, bus: b, storages: backends, slots: make(map[string]string)}

	b.Subscribe(model.KindDing, e.onTriggerKind)
	b.Subscribe(model.KindMotion, e.onTriggerKind)

	return e
}

// Wait blocks until every in-flight recording session this Engine launched
// has returned, used by graceful shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// HandleRaw normalises one raw notification, fans it out to storage, and
// publishes it to the bus (§4.6). This is the single place that connects
// notify.Source to model.Normalise to storage.Fanout to bus.Publish.
func (e *Engine) HandleRaw(raw notify.RawEvent) {
	rawEvent := toModelRawEvent(raw)

	ev, err := model.Normalise(rawEvent)
	if err != nil {
		logx.Default().Warn("capture: normalise failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	anyNew, anyOK, errs := storage.Fanout(ctx, e.storages, ev)
	for _, serr := range errs {
		logx.Default().Warn("capture: storage fanout error", "event_id", ev.ID, "err", serr)
	}
	if !anyNew {
		if anyOK {
			logx.Default().Info("capture: event already existed in storage", "event_id", ev.ID, "kind", ev.Kind)
		} else {
			logx.Default().Warn("capture: event could not be stored in any backend", "event_id", ev.ID, "kind", ev.Kind)
		}
		return
	}

	logx.Default().Info("capture: event stored", "event_id", ev.ID, "kind", ev.Kind, "device", ev.DeviceID)
	e.bus.Publish(ev)
}

func toModelRawEvent(raw notify.RawEvent) model.RawEvent {
	if raw.Generic != nil {
		return model.RawEvent{Generic: raw.Generic}
	}
	return model.RawEvent{Generic: map[string]any{
		"id":          raw.ID,
		"kind":        raw.Kind,
		"device_name": raw.DeviceName,
	}}
}

// onTriggerKind is the bus handler for ding/motion: the Recording
// Supervisor's single-flight entry point (§4.5).
func (e *Engine) onTriggerKind(ev model.Event) {
	if ev.DeviceID == "" {
		logx.Default().Warn("capture: event has no device_id, cannot record", "event_id", ev.ID)
		return
	}

	e.mu.Lock()
	if _, recording := e.slots[ev.DeviceID]; recording {
		e.mu.Unlock()
		logx.Default().Info("capture: recording already in progress, dropping trigger", "device", ev.DeviceID, "event_id", ev.ID)
		return
	}
	e.slots[ev.DeviceID] = ev.ID
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.releaseSlot(ev.DeviceID)
		e.record(ev)
	}()
}

func (e *Engine) releaseSlot(deviceID string) {
	e.mu.Lock()
	delete(e.slots, deviceID)
	e.mu.Unlock()
}

func (e *Engine) durationFor(kind model.Kind) time.Duration {
	switch kind {
	case model.KindDing:
		return e.cfg.DingDuration
	case model.KindMotion:
		return e.cfg.MotionDuration
	default:
		return DefaultMotionDuration
	}
}

// record runs one Live-View Client attempt end to end: builds the sink and
// completion callback, starts the client, waits out the recording duration
// plus settle time, and stops it.
func (e *Engine) record(ev model.Event) {
	duration := e.durationFor(ev.Kind)
	liveViewPath := filepath.Join(e.cfg.StorageRoot, ev.DeviceID, "live_view", fmt.Sprintf("%d.mp4", time.Now().Unix()))

	done := make(chan struct{})
	onComplete := func(path string, size int64) {
		defer close(done)
		e.handleRecordingCompleted(path, size, ev.ID, ev.DeviceID)
	}

	s := sink.New(liveViewPath, onComplete)

	client := liveview.New(liveview.Config{
		DoorbotID:       ev.DeviceID,
		RequestDuration: duration,
		Sink:            s,
		Auth:            e.cfg.Auth,
		CloudAPI:        e.cfg.CloudAPI,
		WakeEnabled:     e.cfg.WakeEnabled,
	})

	ctx, cancel := context.WithTimeout(context.Background(), duration+liveview.PeerCloseTimeout+liveview.TaskJoinTimeout+10*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		logx.Default().Warn("capture: live view client failed to start", "device", ev.DeviceID, "event_id", ev.ID, "err", err)
		s.Close()
		<-done
		return
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	client.Stop()

	select {
	case <-done:
	case <-time.After(liveview.TaskJoinTimeout):
	}
}
