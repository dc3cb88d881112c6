// Package cache keeps recently used workflow instances in front of the store.
// A cache is never the source of truth: the engine validates every write
// against the store's version column and invalidates on conflict.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
)

// InstanceCache stores copies of workflow instances keyed by id.
type InstanceCache interface {
	Get(ctx context.Context, id string) (models.WorkflowInstance, bool)
	Set(ctx context.Context, inst models.WorkflowInstance)
	Invalidate(ctx context.Context, id string)
}

// LRU is a process-local cache with a size bound and entry TTL.
type LRU struct {
	lru *expirable.LRU[string, models.WorkflowInstance]
}

func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 1024
	}
	return &LRU{lru: expirable.NewLRU[string, models.WorkflowInstance](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, id string) (models.WorkflowInstance, bool) {
	inst, ok := c.lru.Get(id)
	if !ok {
		return models.WorkflowInstance{}, false
	}
	return inst.Clone(), true
}

func (c *LRU) Set(_ context.Context, inst models.WorkflowInstance) {
	c.lru.Add(inst.ID, inst.Clone())
}

func (c *LRU) Invalidate(_ context.Context, id string) {
	c.lru.Remove(id)
}

func (c *LRU) Len() int {
	return c.lru.Len()
}

// Noop disables caching.
type Noop struct{}

func (Noop) Get(context.Context, string) (models.WorkflowInstance, bool) {
	return models.WorkflowInstance{}, false
}

func (Noop) Set(context.Context, models.WorkflowInstance) {}

func (Noop) Invalidate(context.Context, string) {}
