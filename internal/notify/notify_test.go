package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	maria  = models.User{ID: "m1", Name: "Maria", Email: "maria@example.com"}
	notice = models.Notice{
		Kind:         models.ApprovalRequestNotice,
		InstanceID:   "wf-1",
		DefinitionID: "schedule_approval",
		StepID:       "manager_review",
		StepName:     "Manager Review",
		EntityID:     "visit-1",
		EntityType:   "schedule",
	}
)

type notifierFunc func(ctx context.Context, user models.User, notice models.Notice) error

func (f notifierFunc) Notify(ctx context.Context, user models.User, notice models.Notice) error {
	return f(ctx, user, notice)
}

func TestMulti(t *testing.T) {
	var calls int32
	ok := notifierFunc(func(context.Context, models.User, models.Notice) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	broken := notifierFunc(func(context.Context, models.User, models.Notice) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("smtp down")
	})

	t.Run("AllSucceed", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		assert.NoError(t, Multi{ok, ok}.Notify(context.Background(), maria, notice))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("FailureDoesNotStopOthers", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		err := Multi{broken, ok}.Notify(context.Background(), maria, notice)
		assert.ErrorContains(t, err, "1 of 2 channels failed")
		assert.ErrorContains(t, err, "smtp down")
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	require.NoError(t, NewLogNotifier(logger).Notify(context.Background(), maria, notice))
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "m1", entry["user_id"])
	assert.Equal(t, "wf-1", entry["instance_id"])
	assert.Equal(t, "Approval requested: Manager Review for schedule visit-1", entry["msg"])
}

func TestBody(t *testing.T) {
	deadline := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	n := notice
	n.TimeoutAt = &deadline
	n.Message = "Weekend cover for Athens"

	body := Body(maria, n)
	assert.Contains(t, body, "Hello Maria")
	assert.Contains(t, body, "Weekend cover for Athens")
	assert.Contains(t, body, "Respond before: Tue, 11 Mar 2025 09:00:00 UTC")

	assert.Contains(t, Body(models.User{ID: "m2"}, notice), "Hello m2")
}

func TestEmailNotifier(t *testing.T) {
	type sent struct {
		addr string
		auth smtp.Auth
		to   []string
		msg  string
	}

	t.Run("Sends", func(t *testing.T) {
		var got []sent
		e := NewEmailNotifier("smtp.example.com", 587, "bot", "secret", "approvals@example.com")
		e.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			got = append(got, sent{addr, a, to, string(msg)})
			return nil
		}
		require.NoError(t, e.Notify(context.Background(), maria, notice))
		require.Len(t, got, 1)
		assert.Equal(t, "smtp.example.com:587", got[0].addr)
		assert.NotNil(t, got[0].auth)
		assert.Equal(t, []string{"maria@example.com"}, got[0].to)
		assert.Contains(t, got[0].msg, "Subject: Approval requested: Manager Review for schedule visit-1\r\n")
	})

	t.Run("SkipsUsersWithoutAddress", func(t *testing.T) {
		e := NewEmailNotifier("smtp.example.com", 25, "", "", "approvals@example.com")
		e.send = func(string, smtp.Auth, string, []string, []byte) error {
			t.Fatal("no mail expected")
			return nil
		}
		assert.NoError(t, e.Notify(context.Background(), models.User{ID: "m2"}, notice))
	})

	t.Run("SendFailure", func(t *testing.T) {
		e := NewEmailNotifier("smtp.example.com", 25, "", "", "approvals@example.com")
		e.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			assert.Nil(t, a, "no auth without credentials")
			return errors.New("421 service not available")
		}
		err := e.Notify(context.Background(), maria, notice)
		assert.ErrorContains(t, err, "send approval_request email to maria@example.com")
	})
}

func TestWebhookNotifier(t *testing.T) {
	t.Run("Delivers", func(t *testing.T) {
		var payload WebhookPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		w := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
		require.NoError(t, w.Notify(context.Background(), maria, notice))
		assert.Equal(t, "m1", payload.User.ID)
		assert.Equal(t, "wf-1", payload.Notice.InstanceID)
		assert.NotEmpty(t, payload.Subject)
	})

	t.Run("BreakerOpensAfterFailures", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		w := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
		for i := 0; i < 5; i++ {
			assert.ErrorContains(t, w.Notify(context.Background(), maria, notice), "502")
		}
		assert.Equal(t, gobreaker.StateOpen, w.State())

		err := w.Notify(context.Background(), maria, notice)
		assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
		assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "an open breaker does not call the endpoint")
	})

	t.Run("RateLimitHonorsContext", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		w := NewWebhookNotifier(WebhookConfig{URL: srv.URL, RatePerSecond: 0.001, Burst: 1})
		require.NoError(t, w.Notify(context.Background(), maria, notice))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorContains(t, w.Notify(ctx, maria, notice), "rate limit")
	})
}
