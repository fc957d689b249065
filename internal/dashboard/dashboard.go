// Package dashboard binds an organization identity to live dashboard
// state: cached events and registrations kept fresh by the change feed,
// plus the derived summary figures. A Dashboard is the unit of
// mount/unmount: opening one acquires cache keys and change channels,
// closing it releases them.
package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"volunteerhub/internal/changefeed"
	"volunteerhub/internal/metrics"
	"volunteerhub/internal/model"
	"volunteerhub/internal/querycache"
	"volunteerhub/internal/stats"
)

const emailCacheSize = 512

// Backend is the slice of the relational store the dashboard reads.
type Backend interface {
	EventsByOrganization(ctx context.Context, orgID string) ([]model.Event, error)
	RegistrationsByEventIDs(ctx context.Context, eventIDs []int64) ([]model.RegistrationDetail, error)
	EmailsByUserIDs(ctx context.Context, userIDs []string) (map[string]string, error)
}

type Dashboard struct {
	orgID   string
	cache   *querycache.Cache
	backend Backend
	sub     *changefeed.Subscriber
	log     *zerolog.Logger
	emails  *lru.Cache[string, string]

	eventsKey string
	regsKey   string

	mu     sync.Mutex
	closed bool
}

func open(orgID string, cache *querycache.Cache, backend Backend, broker changefeed.Broker, log *zerolog.Logger, mc *metrics.Collector) (*Dashboard, error) {
	emails, err := lru.New[string, string](emailCacheSize)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		orgID:     orgID,
		cache:     cache,
		backend:   backend,
		sub:       changefeed.New(broker, cache, log, mc, orgID),
		log:       log,
		emails:    emails,
		eventsKey: querycache.EventsKey(orgID),
		regsKey:   querycache.RegistrationsKey(orgID),
	}

	d.cache.Acquire(d.eventsKey)
	d.cache.Acquire(d.regsKey)

	if err := d.sub.Start(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

// Close tears down the change channels and releases the cache keys.
// In-flight fetches finish against the cache but no longer feed a
// mounted view.
func (d *Dashboard) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.sub.Close()
	d.release()
}

func (d *Dashboard) release() {
	d.cache.Release(d.eventsKey)
	d.cache.Release(d.regsKey)
}

// Events returns the organization's events from the cache, fetching on
// miss.
func (d *Dashboard) Events(ctx context.Context) ([]model.Event, error) {
	res := d.cache.Get(ctx, d.eventsKey, d.fetchEvents, true)
	if res.Err != nil {
		return nil, res.Err
	}
	events, _ := res.Value.([]model.Event)
	return events, nil
}

// fetchEvents loads the event set and re-derives the registration
// change filter from it. The resync lives inside the fetch so that
// background refreshes triggered by invalidations also re-scope the
// registrations channel; a filter must never keep matching ids of
// removed events, nor miss a newly created one, until the next read.
func (d *Dashboard) fetchEvents(ctx context.Context) (any, error) {
	events, err := d.backend.EventsByOrganization(ctx, d.orgID)
	if err != nil {
		return nil, err
	}
	if err := d.sub.SetEventFilter(stats.EventIDs(events)); err != nil {
		d.log.Warn().Err(err).Msg("failed to re-scope registrations channel")
	}
	return events, nil
}

// Registrations returns registrations across the organization's
// events, joined with profiles and enriched with emails. Registrations
// whose event is no longer visible are dropped, never displayed.
func (d *Dashboard) Registrations(ctx context.Context) ([]model.RegistrationDetail, error) {
	events, err := d.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for registrations: %w", err)
	}

	res := d.cache.Get(ctx, d.regsKey, func(ctx context.Context) (any, error) {
		regs, err := d.backend.RegistrationsByEventIDs(ctx, stats.EventIDs(events))
		if err != nil {
			return nil, err
		}
		return d.enrich(ctx, regs), nil
	}, true)
	if res.Err != nil {
		return nil, res.Err
	}
	regs, _ := res.Value.([]model.RegistrationDetail)
	return stats.VisibleRegistrations(regs, events), nil
}

// EventRegistrations returns one event's registrations ordered by
// registration time.
func (d *Dashboard) EventRegistrations(ctx context.Context, eventID int64) ([]model.RegistrationDetail, error) {
	regs, err := d.Registrations(ctx)
	if err != nil {
		return nil, err
	}
	return stats.EventRegistrations(regs, eventID), nil
}

// Summary recomputes the aggregate figures from the cached events.
func (d *Dashboard) Summary(ctx context.Context) (stats.Summary, error) {
	events, err := d.Events(ctx)
	if err != nil {
		return stats.Summary{}, err
	}
	return stats.Summarize(events, time.Now()), nil
}

// enrich fills in volunteer emails from a batch lookup behind a small
// LRU. A failed lookup leaves Email nil and is logged; it never fails
// the read.
func (d *Dashboard) enrich(ctx context.Context, regs []model.RegistrationDetail) []model.RegistrationDetail {
	var missing []string
	seen := make(map[string]struct{})
	for _, r := range regs {
		if _, ok := d.emails.Get(r.VolunteerID); ok {
			continue
		}
		if _, ok := seen[r.VolunteerID]; ok {
			continue
		}
		seen[r.VolunteerID] = struct{}{}
		missing = append(missing, r.VolunteerID)
	}

	if len(missing) > 0 {
		found, err := d.backend.EmailsByUserIDs(ctx, missing)
		if err != nil {
			d.log.Warn().Err(err).Msg("email enrichment failed")
		} else {
			for id, email := range found {
				d.emails.Add(id, email)
			}
		}
	}

	for i := range regs {
		if email, ok := d.emails.Get(regs[i].VolunteerID); ok {
			e := email
			regs[i].Email = &e
		}
	}
	return regs
}
