package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/engine"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/registry"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Debugf(format string, args ...interface{}) {}
func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Warnf(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

type fakeDirectory struct {
	users []models.User
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{users: []models.User{
		{ID: "initiator", Roles: []string{"coordinator"}},
		{ID: "m1", Roles: []string{"manager"}},
		{ID: "m2", Roles: []string{"manager"}},
		{ID: "a1", Roles: []string{"admin"}},
		{ID: "s1", Roles: []string{"super_admin"}},
		{ID: "l1", Roles: []string{"legal"}},
		{ID: "f1", Roles: []string{"finance"}},
		{ID: "e1", Roles: []string{"executive"}},
		{ID: "e2", Roles: []string{"executive"}},
		{ID: "e3", Roles: []string{"executive"}},
		{ID: "h1", Roles: []string{"hr"}},
	}}
}

func (d *fakeDirectory) FindEligible(_ context.Context, roles []string, _ models.Scope) ([]models.User, error) {
	var out []models.User
	for _, u := range d.users {
		if hasRole(u, roles) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) Lookup(_ context.Context, id string) (models.User, error) {
	for _, u := range d.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("user %s not found", id)
}

// unavailableDirectory fails every lookup.
type unavailableDirectory struct{}

func (unavailableDirectory) FindEligible(context.Context, []string, models.Scope) ([]models.User, error) {
	return nil, errors.New("directory unavailable")
}

func (unavailableDirectory) Lookup(context.Context, string) (models.User, error) {
	return models.User{}, errors.New("directory unavailable")
}

func hasRole(u models.User, roles []string) bool {
	for _, have := range u.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type sentNotice struct {
	UserID string
	Notice models.Notice
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, user models.User, notice models.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{UserID: user.ID, Notice: notice})
	return n.err
}

func (n *recordingNotifier) of(kind models.NoticeKind) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var users []string
	for _, s := range n.sent {
		if s.Notice.Kind == kind {
			users = append(users, s.UserID)
		}
	}
	return users
}

type hookCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (h *hookCounter) hook(name string) engine.Hook {
	return func(context.Context, models.WorkflowInstance) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.calls[name]++
		return nil
	}
}

func (h *hookCounter) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    storage.Store
	engine   *engine.Engine
	notifier *recordingNotifier
	hooks    *hookCounter
	clock    *clock
}

func newFixture(t *testing.T, defs engine.Definitions, opts ...engine.Option) *fixture {
	t.Helper()
	if defs == nil {
		defs = registry.Default()
	}
	f := &fixture{
		store:    storage.NewMockStore(),
		notifier: &recordingNotifier{},
		hooks:    &hookCounter{calls: map[string]int{}},
		clock:    &clock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
	}
	opts = append([]engine.Option{
		engine.WithNotifier(f.notifier),
		engine.WithClock(f.clock.Now),
		engine.WithAdminRoles("admin"),
	}, opts...)
	f.engine = engine.New(f.store, defs, newDirectory(), testLogger{}, opts...)
	for _, def := range defs.List() {
		for _, name := range []string{def.OnComplete, def.OnReject} {
			if name != "" {
				require.NoError(t, f.engine.RegisterHook(name, f.hooks.hook(name)))
			}
		}
	}
	return f
}

func (f *fixture) events(t *testing.T, instanceID, eventType string) []models.AuditEvent {
	t.Helper()
	all, err := f.store.ListAuditEvents(context.Background(), instanceID)
	require.NoError(t, err)
	var out []models.AuditEvent
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func mustRegistry(t *testing.T, defs ...models.WorkflowDefinition) *registry.Registry {
	t.Helper()
	r, err := registry.New(defs...)
	require.NoError(t, err)
	return r
}
