// Package ticket is the Signalling Ticket Cache (§4.2): it supplies a
// (ticket, region) pair whose age is below TICKET_MAX_AGE, refreshing from
// the cloud API and falling back to the Auth Collaborator on auth errors.
package ticket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brice/clapcore/internal/authcollab"
	"github.com/brice/clapcore/internal/cloudapi"
	"github.com/brice/clapcore/internal/errs"
	"github.com/brice/clapcore/internal/retry"
)

// MaxAge is TICKET_MAX_AGE: any ticket older than this is treated as stale
// and refreshed proactively.
const MaxAge = 30 * time.Minute

const retrySpacing = 1 * time.Second

// Pair is the cached (ticket, region) value.
type Pair struct {
	Ticket string
	Region string
}

// Cache is owned exclusively by one Live-View Client; it is not shared
// across clients.
type Cache struct {
	api  *cloudapi.Client
	auth authcollab.Collaborator

	mu        sync.Mutex
	current   Pair
	updatedAt time.Time
}

func New(api *cloudapi.Client, auth authcollab.Collaborator) *Cache {
	return &Cache{api: api, auth: auth}
}

// Invalidate forces the next Get to treat the cache as stale regardless of
// age — used when the signalling channel observes a 404/connection-reset
// that implies the ticket itself has expired server-side.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatedAt = time.Time{}
}

// Age returns how long ago the current ticket was issued; used by tests
// verifying the "ticket age at handshake time" invariant.
func (c *Cache) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updatedAt.IsZero() {
		return MaxAge + 1 // "infinitely stale"
	}
	return time.Since(c.updatedAt)
}

// Get returns a fresh ticket, requesting a new one when the cached pair is
// stale or absent.
func (c *Cache) Get(ctx context.Context) (Pair, error) {
	c.mu.Lock()
	fresh := !c.updatedAt.IsZero() && time.Since(c.updatedAt) < MaxAge
	cached := c.current
	c.mu.Unlock()
	if fresh {
		return cached, nil
	}
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) (Pair, error) {
	b := retry.NewBackoff()
	b.MaxRetries = 3

	var lastErr error
	for attempt := 0; attempt < b.MaxRetries; attempt++ {
		resp, err := c.api.RequestTicket(ctx)
		if err == nil {
			pair := Pair{Ticket: resp.Ticket, Region: resp.Region}
			c.mu.Lock()
			c.current = pair
			c.updatedAt = time.Now()
			c.mu.Unlock()
			return pair, nil
		}

		lastErr = err
		var authErr *cloudapi.AuthError
		if errors.As(err, &authErr) {
			if _, rerr := c.auth.RefreshToken(ctx); rerr != nil {
				lastErr = rerr
			}
		}

		if attempt < b.MaxRetries-1 {
			if serr := retry.SleepSliced(ctx, nil, retrySpacing); serr != nil {
				return Pair{}, serr
			}
		}
	}

	c.mu.Lock()
	hasStale := c.current.Ticket != ""
	stale := c.current
	c.mu.Unlock()
	if hasStale {
		// Stale-on-failure fallback: do NOT update updatedAt (§4.2 invariant).
		return stale, nil
	}
	if lastErr != nil {
		return Pair{}, errors.Join(errs.ErrTicketUnavailable, lastErr)
	}
	return Pair{}, errs.ErrTicketUnavailable
}
