package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tutorlink/pkg/types"
)

// Poller is the REST fallback for notifications: it fills the badge
// while the websocket is down or before it connects. Polled and pushed
// notifications collapse into the same State by ID.
type Poller struct {
	baseURL  string
	token    string
	interval time.Duration
	state    *State
	client   *http.Client
	logger   *slog.Logger
}

func NewPoller(baseURL, token string, interval time.Duration, state *State, logger *slog.Logger) *Poller {
	return &Poller{
		baseURL:  baseURL,
		token:    token,
		interval: interval,
		state:    state,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Run polls until the context is cancelled. Blocking.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx); err != nil {
			p.logger.Warn("notification poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/notifications", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Notifications []*types.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	for _, n := range body.Notifications {
		if n.Read {
			// The server may have been acked from another device.
			p.state.ApplyNotification(n)
			p.state.ApplyNotificationRead(n.ID)
			continue
		}
		p.state.ApplyNotification(n)
	}
	return nil
}
