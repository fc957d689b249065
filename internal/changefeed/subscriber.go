// Package changefeed keeps the query cache consistent with the backend
// by listening for row-change notifications and invalidating the
// affected keys. Notifications are edge-triggered signals: payloads are
// never written into the cache, the dependent keys are always
// re-fetched.
package changefeed

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"volunteerhub/internal/metrics"
	"volunteerhub/internal/model"
	"volunteerhub/internal/querycache"
)

// Channel is one open change subscription.
type Channel interface {
	Close() error
}

// Broker opens durable change channels matching a routing-key filter.
type Broker interface {
	Subscribe(name string, routingKeys []string, handler func([]byte) error) (Channel, error)
}

// Subscriber owns the change channels for one mounted organization
// view: one channel on the events table scoped to the organization, and
// one on the registrations table scoped to the organization's current
// event-id set. Exactly one channel per (table, filter) is open at a
// time; a filter change closes the old channel before the replacement
// opens.
type Subscriber struct {
	broker Broker
	cache  *querycache.Cache
	log    *zerolog.Logger
	mc     *metrics.Collector
	orgID  string

	mu       sync.Mutex
	eventsCh Channel
	regsCh   Channel
	regIDs   []int64
	closed   bool
}

func New(broker Broker, cache *querycache.Cache, log *zerolog.Logger, mc *metrics.Collector, orgID string) *Subscriber {
	return &Subscriber{
		broker: broker,
		cache:  cache,
		log:    log,
		mc:     mc,
		orgID:  orgID,
	}
}

// EventsRoutingKey is the filter for event rows owned by an organization.
func EventsRoutingKey(orgID string) string {
	return fmt.Sprintf("events.org.%s", orgID)
}

// RegistrationRoutingKey is the filter for registration rows of one event.
func RegistrationRoutingKey(eventID int64) string {
	return fmt.Sprintf("registrations.event.%d", eventID)
}

// Start opens the events channel. Registration channels are opened by
// SetEventFilter once the owned event-id set is known.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscriber is closed")
	}
	if s.eventsCh != nil {
		return nil
	}

	ch, err := s.broker.Subscribe("events", []string{EventsRoutingKey(s.orgID)}, s.onEventsChange)
	if err != nil {
		return fmt.Errorf("failed to open events channel: %w", err)
	}
	s.eventsCh = ch
	return nil
}

// SetEventFilter re-scopes the registrations channel to eventIDs
// (sorted). If the set is unchanged this is a no-op; otherwise the old
// channel is closed before the new one opens so no filter keeps
// matching removed ids and no window of duplicate delivery exists.
func (s *Subscriber) SetEventFilter(eventIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscriber is closed")
	}
	if sameIDs(s.regIDs, eventIDs) {
		return nil
	}

	if s.regsCh != nil {
		if err := s.regsCh.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close registrations channel")
		}
		s.regsCh = nil
		s.regIDs = nil
	}

	if len(eventIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		keys = append(keys, RegistrationRoutingKey(id))
	}
	ch, err := s.broker.Subscribe("registrations", keys, s.onRegistrationsChange)
	if err != nil {
		return fmt.Errorf("failed to open registrations channel: %w", err)
	}
	s.regsCh = ch
	s.regIDs = append([]int64(nil), eventIDs...)
	return nil
}

// Close tears down all channels. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.eventsCh != nil {
		if err := s.eventsCh.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close events channel")
		}
		s.eventsCh = nil
	}
	if s.regsCh != nil {
		if err := s.regsCh.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close registrations channel")
		}
		s.regsCh = nil
		s.regIDs = nil
	}
}

func (s *Subscriber) onEventsChange(body []byte) error {
	s.record(body, model.TableEvents)
	s.cache.Invalidate(querycache.EventsKey(s.orgID))
	return nil
}

// Registration churn moves the current_volunteers counter embedded in
// Event rows, so both keys go stale together.
func (s *Subscriber) onRegistrationsChange(body []byte) error {
	s.record(body, model.TableRegistrations)
	s.cache.Invalidate(querycache.RegistrationsKey(s.orgID))
	s.cache.Invalidate(querycache.EventsKey(s.orgID))
	return nil
}

// record logs the notification. Delivery is at-least-once and bodies
// may be stale, so a malformed body still counts as an invalidation
// signal.
func (s *Subscriber) record(body []byte, table string) {
	s.mc.FeedDelivery(table)
	var msg model.ChangeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.log.Warn().Err(err).Str("table", table).Msg("unreadable change message")
		return
	}
	s.log.Debug().
		Str("table", msg.Table).
		Str("kind", msg.Kind).
		Int64("row_id", msg.RowID).
		Msg("change notification")
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
