package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// WebhookPayload is the JSON body posted for every notice.
type WebhookPayload struct {
	User    models.User   `json:"user"`
	Notice  models.Notice `json:"notice"`
	Subject string        `json:"subject"`
	SentAt  time.Time     `json:"sent_at"`
}

type WebhookConfig struct {
	URL           string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// WebhookNotifier posts notices to an HTTP endpoint. Calls are rate limited
// and guarded by a circuit breaker that opens after repeated failures.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-webhook",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// State exposes the breaker state.
func (w *WebhookNotifier) State() gobreaker.State {
	return w.breaker.State()
}

func (w *WebhookNotifier) Notify(ctx context.Context, user models.User, notice models.Notice) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "webhook rate limit")
	}
	body, err := json.Marshal(WebhookPayload{
		User:    user,
		Notice:  notice,
		Subject: Subject(notice),
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "encode webhook payload")
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	if err != nil {
		return errors.Wrapf(err, "deliver %s notice for %s", notice.Kind, notice.InstanceID)
	}
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
