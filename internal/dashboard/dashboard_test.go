package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volunteerhub/internal/changefeed"
	"volunteerhub/internal/model"
	"volunteerhub/internal/querycache"
)

type memBackend struct {
	mu         sync.Mutex
	events     []model.Event
	regs       []model.RegistrationDetail
	emails     map[string]string
	emailErr   error
	eventCalls int
	regCalls   int
	emailCalls int
}

func (b *memBackend) EventsByOrganization(ctx context.Context, orgID string) ([]model.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventCalls++
	return append([]model.Event(nil), b.events...), nil
}

func (b *memBackend) RegistrationsByEventIDs(ctx context.Context, eventIDs []int64) ([]model.RegistrationDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regCalls++
	return append([]model.RegistrationDetail(nil), b.regs...), nil
}

func (b *memBackend) EmailsByUserIDs(ctx context.Context, userIDs []string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emailCalls++
	if b.emailErr != nil {
		return nil, b.emailErr
	}
	out := make(map[string]string)
	for _, id := range userIDs {
		if email, ok := b.emails[id]; ok {
			out[id] = email
		}
	}
	return out, nil
}

func (b *memBackend) calls() (events, regs, emails int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventCalls, b.regCalls, b.emailCalls
}

func (b *memBackend) setEvents(events []model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = events
}

type memChannel struct {
	broker *memBroker
}

func (c *memChannel) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.openCount--
	return nil
}

type memBroker struct {
	mu        sync.Mutex
	handlers  map[string]func([]byte) error
	filters   map[string][]string
	openCount int
}

func newMemBroker() *memBroker {
	return &memBroker{
		handlers: make(map[string]func([]byte) error),
		filters:  make(map[string][]string),
	}
}

func (b *memBroker) Subscribe(name string, routingKeys []string, handler func([]byte) error) (changefeed.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = handler
	b.filters[name] = routingKeys
	b.openCount++
	return &memChannel{broker: b}, nil
}

func (b *memBroker) filter(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.filters[name]...)
}

func (b *memBroker) deliver(t *testing.T, name string) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[name]
	b.mu.Unlock()
	require.True(t, ok, "no open channel %q", name)
	require.NoError(t, h([]byte(`{}`)))
}

func newTestManager(backend Backend, broker changefeed.Broker) (*Manager, *querycache.Cache) {
	log := zerolog.Nop()
	cache := querycache.New(&log, nil)
	return NewManager(cache, backend, broker, &log, nil), cache
}

func testEvents() []model.Event {
	return []model.Event{
		{ID: 2, OrganizationID: "org-1", Title: "Cleanup", StartTime: time.Now().Add(time.Hour), CurrentVolunteers: 3},
		{ID: 5, OrganizationID: "org-1", Title: "Food drive", StartTime: time.Now().Add(-time.Hour), CurrentVolunteers: 4},
	}
}

func TestEventsServedFromCacheAndFilterSynced(t *testing.T) {
	backend := &memBackend{events: testEvents()}
	broker := newMemBroker()
	m, _ := newTestManager(backend, broker)
	d, err := m.Open("org-1")
	require.NoError(t, err)
	defer m.CloseAll()

	events, err := d.Events(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = d.Events(context.Background())
	require.NoError(t, err)
	eventCalls, _, _ := backend.calls()
	assert.Equal(t, 1, eventCalls, "second read must hit the cache")
	assert.Equal(t, []string{"registrations.event.2", "registrations.event.5"}, broker.filter("registrations"))
}

func TestBackgroundRefreshReScopesRegistrationFilter(t *testing.T) {
	backend := &memBackend{events: testEvents()}
	broker := newMemBroker()
	m, _ := newTestManager(backend, broker)
	d, err := m.Open("org-1")
	require.NoError(t, err)
	defer m.CloseAll()

	_, err = d.Events(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"registrations.event.2", "registrations.event.5"}, broker.filter("registrations"))

	// A new event shows up and its change notification lands while no
	// API read is happening. The refresh alone must widen the filter,
	// or registrations on the new event would go unnoticed.
	events := append(testEvents(), model.Event{ID: 9, OrganizationID: "org-1", Title: "Blood drive", StartTime: time.Now().Add(2 * time.Hour)})
	backend.setEvents(events)
	broker.deliver(t, "events")

	assert.Eventually(t, func() bool {
		keys := broker.filter("registrations")
		return len(keys) == 3 && keys[2] == "registrations.event.9"
	}, time.Second, 5*time.Millisecond, "filter must follow the event set without a read")
}

func TestRegistrationsEnrichedAndOrphansDropped(t *testing.T) {
	backend := &memBackend{
		events: testEvents(),
		regs: []model.RegistrationDetail{
			{Registration: model.Registration{ID: 1, EventID: 2, VolunteerID: "v1"}, FullName: "Ann"},
			{Registration: model.Registration{ID: 2, EventID: 99, VolunteerID: "v2"}, FullName: "Bob"},
		},
		emails: map[string]string{"v1": "ann@example.com"},
	}
	m, _ := newTestManager(backend, newMemBroker())
	d, err := m.Open("org-1")
	require.NoError(t, err)
	defer m.CloseAll()

	regs, err := d.Registrations(context.Background())
	require.NoError(t, err)
	require.Len(t, regs, 1, "a registration for an invisible event is never shown")
	assert.Equal(t, int64(1), regs[0].ID)
	require.NotNil(t, regs[0].Email)
	assert.Equal(t, "ann@example.com", *regs[0].Email)
}

func TestEnrichmentFailureLeavesEmailNil(t *testing.T) {
	backend := &memBackend{
		events: testEvents(),
		regs: []model.RegistrationDetail{
			{Registration: model.Registration{ID: 1, EventID: 2, VolunteerID: "v1"}, FullName: "Ann"},
		},
		emailErr: errors.New("directory unavailable"),
	}
	m, _ := newTestManager(backend, newMemBroker())
	d, err := m.Open("org-1")
	require.NoError(t, err)
	defer m.CloseAll()

	regs, err := d.Registrations(context.Background())
	require.NoError(t, err, "enrichment failure must not fail the read")
	require.Len(t, regs, 1)
	assert.Nil(t, regs[0].Email)
}

func TestEnrichmentLooksUpEachVolunteerOnce(t *testing.T) {
	backend := &memBackend{
		events: testEvents(),
		regs: []model.RegistrationDetail{
			{Registration: model.Registration{ID: 1, EventID: 2, VolunteerID: "v1"}},
			{Registration: model.Registration{ID: 2, EventID: 5, VolunteerID: "v1"}},
		},
		emails: map[string]string{"v1": "ann@example.com"},
	}
	m, cache := newTestManager(backend, newMemBroker())
	d, err := m.Open("org-1")
	require.NoError(t, err)
	defer m.CloseAll()

	_, err = d.Registrations(context.Background())
	require.NoError(t, err)

	cache.Invalidate(querycache.RegistrationsKey("org-1"))
	assert.Eventually(t, func() bool {
		_, _, emailCalls := backend.calls()
		return emailCalls >= 1
	}, time.Second, 5*time.Millisecond)

	_, err = d.Registrations(context.Background())
	require.NoError(t, err)
	_, _, emailCalls := backend.calls()
	assert.Equal(t, 1, emailCalls, "known emails come from the LRU")
}

func TestSummaryFromCachedEvents(t *testing.T) {
	backend := &memBackend{events: testEvents()}
	m, _ := newTestManager(backend, newMemBroker())
	d, err := m.Open("org-1")
	require.NoError(t, err)
	defer m.CloseAll()

	s, err := d.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalEvents)
	assert.Equal(t, 1, s.ActiveEvents)
	assert.Equal(t, 1, s.CompletedEvents)
	assert.Equal(t, 7, s.TotalVolunteers)
}

func TestChangeNotificationRefreshesMountedDashboard(t *testing.T) {
	backend := &memBackend{events: testEvents()}
	broker := newMemBroker()
	m, _ := newTestManager(backend, broker)
	d, err := m.Open("org-1")
	require.NoError(t, err)
	defer m.CloseAll()

	_, err = d.Events(context.Background())
	require.NoError(t, err)

	broker.deliver(t, "events")
	assert.Eventually(t, func() bool {
		eventCalls, _, _ := backend.calls()
		return eventCalls == 2
	}, time.Second, 5*time.Millisecond, "an acquired key re-fetches without waiting for the next read")
}

func TestManagerReusesOpenDashboard(t *testing.T) {
	backend := &memBackend{events: testEvents()}
	broker := newMemBroker()
	m, _ := newTestManager(backend, broker)

	d1, err := m.Open("org-1")
	require.NoError(t, err)
	d2, err := m.Open("org-1")
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	broker.mu.Lock()
	openCount := broker.openCount
	broker.mu.Unlock()
	assert.Equal(t, 1, openCount)
	m.CloseAll()
}

func TestCloseReleasesCacheKeysForSweep(t *testing.T) {
	backend := &memBackend{events: testEvents()}
	m, cache := newTestManager(backend, newMemBroker())
	d, err := m.Open("org-1")
	require.NoError(t, err)

	_, err = d.Events(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, cache.Sweep(), "acquired keys survive the janitor")

	m.Close("org-1")
	assert.Equal(t, 2, cache.Sweep())
}
