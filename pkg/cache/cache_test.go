package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/cache"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type logger struct{}

func (logger) Warnf(format string, args ...interface{}) {}

func sampleInstance(id string) models.WorkflowInstance {
	return models.WorkflowInstance{
		ID:           id,
		DefinitionID: "schedule_approval",
		Status:       models.RunningInstanceStatus,
		Context:      models.Context{"region": "attica"},
		Approvals:    []models.Approval{{ID: "a1", UserID: "u1", Action: "approved", Attachments: []string{"doc.pdf"}}},
		Version:      3,
	}
}

func TestLRU(t *testing.T) {
	ctx := context.Background()

	t.Run("SetGetInvalidate", func(t *testing.T) {
		c := cache.NewLRU(10, time.Minute)
		_, ok := c.Get(ctx, "wf-1")
		assert.False(t, ok)

		c.Set(ctx, sampleInstance("wf-1"))
		got, ok := c.Get(ctx, "wf-1")
		require.True(t, ok)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, "attica", got.Context["region"])

		c.Invalidate(ctx, "wf-1")
		_, ok = c.Get(ctx, "wf-1")
		assert.False(t, ok)
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		c := cache.NewLRU(10, time.Minute)
		inst := sampleInstance("wf-2")
		c.Set(ctx, inst)
		inst.Approvals[0].Attachments[0] = "mutated"

		got, ok := c.Get(ctx, "wf-2")
		require.True(t, ok)
		got.Context["region"] = "crete"
		assert.Equal(t, "doc.pdf", got.Approvals[0].Attachments[0])

		again, _ := c.Get(ctx, "wf-2")
		assert.Equal(t, "attica", again.Context["region"])
	})

	t.Run("EvictsOldest", func(t *testing.T) {
		c := cache.NewLRU(2, time.Minute)
		c.Set(ctx, sampleInstance("a"))
		c.Set(ctx, sampleInstance("b"))
		c.Set(ctx, sampleInstance("c"))
		assert.Equal(t, 2, c.Len())
		_, ok := c.Get(ctx, "a")
		assert.False(t, ok)
	})

	t.Run("Noop", func(t *testing.T) {
		var c cache.InstanceCache = cache.Noop{}
		c.Set(ctx, sampleInstance("a"))
		_, ok := c.Get(ctx, "a")
		assert.False(t, ok)
	})
}

func TestRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: "127.0.0.1:1"}, logger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis at 127.0.0.1:1")
	assert.NotEqual(t, err, errors.Cause(err), "the client error is wrapped")
}

func TestRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()
	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: addr, TTL: time.Minute}, logger{})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get(ctx, "wf-1")
	assert.False(t, ok)

	c.Set(ctx, sampleInstance("wf-1"))
	got, ok := c.Get(ctx, "wf-1")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "u1", got.Approvals[0].UserID)

	c.Invalidate(ctx, "wf-1")
	_, ok = c.Get(ctx, "wf-1")
	assert.False(t, ok)
}
