package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brice/clapcore/internal/logx"
)

// pullErrorBackoff is the sleep applied after a failed pull, per the
// teacher's internal/pubsub.Listener.
const pullErrorBackoff = 5 * time.Second

// TokenFunc supplies the current bearer token for the pull request.
type TokenFunc func() (string, error)

// PullSource is a long-poll pull-subscription NotificationSource, adapted
// from the teacher's internal/pubsub.Listener: pull, decode base64+JSON,
// dispatch one RawEvent per decoded entry, acknowledge, repeat.
type PullSource struct {
	subscription string
	tokenFn      TokenFunc
	httpClient   *http.Client
	pullURL      string
}

func NewPullSource(pullURL, subscription string, tokenFn TokenFunc) *PullSource {
	return &PullSource{
		subscription: subscription,
		tokenFn:      tokenFn,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pullURL:      pullURL,
	}
}

type pullResponse struct {
	ReceivedMessages []struct {
		AckID   string `json:"ackId"`
		Message struct {
			Data      string `json:"data"`
			MessageID string `json:"messageId"`
		} `json:"message"`
	} `json:"receivedMessages"`
}

// resourceUpdatePayload mirrors the nested shape the teacher's
// parseMessage decodes: a map of event-type -> event body under
// resourceUpdate.events.
type resourceUpdatePayload struct {
	ResourceUpdate struct {
		Name   string                     `json:"name"`
		Events map[string]json.RawMessage `json:"events"`
	} `json:"resourceUpdate"`
}

// Listen blocks, pulling messages until ctx is cancelled or an
// unrecoverable error occurs.
func (p *PullSource) Listen(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ackIDs, err := p.pullOnce(ctx, handler)
		if err != nil {
			logx.Default().Warn("notify: pull failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pullErrorBackoff):
			}
			continue
		}
		if len(ackIDs) > 0 {
			if err := p.acknowledge(ctx, ackIDs); err != nil {
				logx.Default().Warn("notify: ack failed", "err", err)
			}
		}
	}
}

func (p *PullSource) pullOnce(ctx context.Context, handler Handler) ([]string, error) {
	token, err := p.tokenFn()
	if err != nil {
		return nil, fmt.Errorf("notify: token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.pullURL+"/"+p.subscription+":pull", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify: pull request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("notify: pull returned status %d", resp.StatusCode)
	}

	var pr pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("notify: decode pull response: %w", err)
	}

	var ackIDs []string
	for _, rm := range pr.ReceivedMessages {
		ackIDs = append(ackIDs, rm.AckID)

		data, err := base64.StdEncoding.DecodeString(rm.Message.Data)
		if err != nil {
			logx.Default().Warn("notify: bad base64 payload", "err", err)
			continue
		}
		for _, raw := range p.parseMessage(data) {
			handler(raw)
		}
	}
	return ackIDs, nil
}

func (p *PullSource) parseMessage(data []byte) []RawEvent {
	var payload resourceUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logx.Default().Warn("notify: bad message json", "err", err)
		return nil
	}

	var out []RawEvent
	for kind, raw := range payload.ResourceUpdate.Events {
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			continue
		}
		generic["kind"] = kind
		if generic["device_name"] == nil {
			generic["device_name"] = payload.ResourceUpdate.Name
		}
		out = append(out, RawEvent{Kind: kind, DeviceName: payload.ResourceUpdate.Name, Generic: generic})
	}
	return out
}

func (p *PullSource) acknowledge(ctx context.Context, ackIDs []string) error {
	body, err := json.Marshal(map[string][]string{"ackIds": ackIDs})
	if err != nil {
		return err
	}
	token, err := p.tokenFn()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.pullURL+"/"+p.subscription+":acknowledge", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: acknowledge returned status %d", resp.StatusCode)
	}
	return nil
}
