// Package webhook delivers incident notifications as JSON to arbitrary HTTP
// endpoints, retrying transient failures with exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/breachlog/internal/incident"
)

// DeliveryHeader carries the delivery ID so receivers can drop replays.
const DeliveryHeader = "X-Breachlog-Delivery"

// Config controls delivery behaviour.
type Config struct {
	URLs []string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// InitialInterval is the first backoff delay. Zero uses the library default.
	InitialInterval time.Duration
}

// Payload is the JSON body posted to every endpoint.
type Payload struct {
	ID           string                    `json:"id"`
	IncidentID   string                    `json:"incident_id"`
	Type         incident.NotificationKind `json:"type"`
	TriggeredAt  time.Time                 `json:"triggered_at"`
	Notification *incident.Notification    `json:"payload"`
}

// Notifier posts notifications to every configured URL.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

// New creates a webhook notifier. With no URLs, Notify is a no-op.
func New(cfg Config, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// Notify delivers note to each URL in turn. A failing endpoint does not stop
// delivery to the rest; all failures are joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, note *incident.Notification) error {
	if len(n.cfg.URLs) == 0 || note == nil || note.Incident == nil {
		return nil
	}

	p := Payload{
		ID:           uuid.NewString(),
		IncidentID:   note.Incident.ID,
		Type:         note.Kind,
		TriggeredAt:  note.Timestamp,
		Notification: note,
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	var errs []error
	for _, u := range n.cfg.URLs {
		if err := n.deliver(ctx, u, p.ID, body); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) deliver(ctx context.Context, url, id string, body []byte) error {
	b := backoff.NewExponentialBackOff()
	if n.cfg.InitialInterval > 0 {
		b.InitialInterval = n.cfg.InitialInterval
		b.MaxInterval = 20 * n.cfg.InitialInterval
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, n.post(ctx, url, id, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			n.logger.Warn(ctx, "webhook delivery failed, retrying",
				"url", url,
				"delivery_id", id,
				"attempt", attempt,
				"wait", wait,
				"err", err,
			)
		}),
	)
	return err
}

func (n *Notifier) post(ctx context.Context, url, id string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, id)

	resp, err := n.client.Do(req) //nolint:gosec // URLs come from trusted config
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(respBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return statusErr
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return statusErr
	default:
		// other 4xx will not succeed on retry
		return backoff.Permanent(statusErr)
	}
}
