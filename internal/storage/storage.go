// Package storage defines the Storage Backend interface (§4.7) and its
// three interchangeable implementations: relational (sqlite), filesystem,
// and remote (HTTP object store). The interface is part of the core; each
// concrete backend is a collaborator.
package storage

import (
	"context"
	"errors"

	"github.com/brice/clapcore/internal/model"
)

// SaveResult classifies the outcome of a save_event call.
type SaveResult int

const (
	Saved SaveResult = iota
	AlreadyExists
	Failed
)

// ErrNotFound is returned by RetrieveEvent/RetrieveVideo when the id is
// unknown to this backend.
var ErrNotFound = errors.New("storage: not found")

// Backend is the capability set every storage implements. All methods must
// be safe for concurrent use.
type Backend interface {
	SaveEvent(ctx context.Context, ev model.Event) (SaveResult, error)
	RetrieveEvent(ctx context.Context, id string) (model.Event, error)

	// SaveVideo accepts bytes, or a local path/URL string via PathOrURL;
	// exactly one of Bytes or PathOrURL must be set. It returns the
	// backend's canonical reference to the stored video (a path or URL).
	SaveVideo(ctx context.Context, eventID string, video VideoData, metadata map[string]string) (string, error)
	RetrieveVideo(ctx context.Context, eventID string) (string, error)

	Close() error
}

// VideoData is either raw bytes or a reference to an already-materialised
// local path/URL. The relational backend refuses Bytes (§4.7) and only
// ever stores PathOrURL.
type VideoData struct {
	Bytes     []byte
	PathOrURL string
}

// Fanout writes ev to every backend sequentially (§5 ordering guarantees).
// anyNew reports whether at least one backend newly saved the record (the
// Recording Supervisor's trigger condition: a repeat delivery of an event
// id already present everywhere must not re-trigger a recording). anyOK
// additionally counts AlreadyExists, for logging "stored somewhere" versus
// "stored nowhere". Failures in one backend never roll back another.
func Fanout(ctx context.Context, backends []Backend, ev model.Event) (anyNew, anyOK bool, errsOut []error) {
	for _, b := range backends {
		res, err := b.SaveEvent(ctx, ev)
		if err != nil {
			errsOut = append(errsOut, err)
			continue
		}
		switch res {
		case Saved:
			anyNew = true
			anyOK = true
		case AlreadyExists:
			anyOK = true
		}
	}
	return anyNew, anyOK, errsOut
}

// FirstHit looks up id across backends in order, returning the first
// successful retrieval. Used by the Recording Supervisor to recover an
// event's kind when it doesn't already hold the record in hand.
func FirstHit(ctx context.Context, backends []Backend, id string) (model.Event, bool) {
	for _, b := range backends {
		ev, err := b.RetrieveEvent(ctx, id)
		if err == nil {
			return ev, true
		}
	}
	return model.Event{}, false
}
