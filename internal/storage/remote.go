package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/brice/clapcore/internal/model"
)

// Remote is the remote object/URL storage backend: event records are
// PUT/GET as JSON against baseURL+"/events/"+id, videos against
// baseURL+"/videos/"+id. Grounded on the teacher's internal/sdm.Client
// request-helper shape (a single http.Client, a generic do-then-decode
// helper, explicit status-code branching) since no pack repo ships a
// cloud object-storage SDK to wire instead.
type Remote struct {
	baseURL string
	client  *http.Client
}

func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{baseURL: baseURL, client: client}
}

func (r *Remote) do(ctx context.Context, method, path string, body io.Reader, out any) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote storage: request: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("remote storage: decode: %w", err)
		}
	}
	return resp, nil
}

func (r *Remote) SaveEvent(ctx context.Context, ev model.Event) (SaveResult, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Failed, err
	}
	resp, err := r.do(ctx, http.MethodPut, "/events/"+ev.ID, bytes.NewReader(data), nil)
	if err != nil {
		return Failed, err
	}
	switch {
	case resp.StatusCode == http.StatusCreated:
		return Saved, nil
	case resp.StatusCode == http.StatusOK:
		return AlreadyExists, nil
	default:
		return Failed, fmt.Errorf("remote storage: save event: status %d", resp.StatusCode)
	}
}

func (r *Remote) RetrieveEvent(ctx context.Context, id string) (model.Event, error) {
	var ev model.Event
	resp, err := r.do(ctx, http.MethodGet, "/events/"+id, nil, &ev)
	if err != nil {
		return model.Event{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return model.Event{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return model.Event{}, fmt.Errorf("remote storage: retrieve event: status %d", resp.StatusCode)
	}
	return ev, nil
}

func (r *Remote) SaveVideo(ctx context.Context, eventID string, video VideoData, metadata map[string]string) (string, error) {
	var body io.Reader
	if len(video.Bytes) > 0 {
		body = bytes.NewReader(video.Bytes)
	} else if video.PathOrURL != "" {
		body = bytes.NewReader([]byte(video.PathOrURL))
	} else {
		return "", fmt.Errorf("remote storage: no video payload")
	}
	resp, err := r.do(ctx, http.MethodPut, "/videos/"+eventID, body, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("remote storage: save video: status %d", resp.StatusCode)
	}
	return r.baseURL + "/videos/" + eventID, nil
}

func (r *Remote) RetrieveVideo(ctx context.Context, eventID string) (string, error) {
	resp, err := r.do(ctx, http.MethodHead, "/videos/"+eventID, nil, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote storage: retrieve video: status %d", resp.StatusCode)
	}
	return r.baseURL + "/videos/" + eventID, nil
}

func (r *Remote) Close() error { return nil }
