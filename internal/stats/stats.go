// Package stats derives dashboard summary figures from cached
// collections. Everything here is pure and cheap; callers recompute on
// every read instead of caching results.
package stats

import (
	"sort"
	"time"

	"volunteerhub/internal/model"
)

// Summary holds the aggregate figures shown on an organization
// dashboard.
type Summary struct {
	TotalEvents     int `json:"total_events"`
	ActiveEvents    int `json:"active_events"`
	CompletedEvents int `json:"completed_events"`
	TotalVolunteers int `json:"total_volunteers"`
}

// Summarize computes the aggregate figures for events as of now. An
// event is active while now is strictly before its start time, so
// ActiveEvents+CompletedEvents always equals TotalEvents.
func Summarize(events []model.Event, now time.Time) Summary {
	s := Summary{TotalEvents: len(events)}
	for _, e := range events {
		if now.Before(e.StartTime) {
			s.ActiveEvents++
		} else {
			s.CompletedEvents++
		}
		s.TotalVolunteers += e.CurrentVolunteers
	}
	return s
}

// EventRegistrations filters regs down to one event, ordered by
// registration time ascending.
func EventRegistrations(regs []model.RegistrationDetail, eventID int64) []model.RegistrationDetail {
	var out []model.RegistrationDetail
	for _, r := range regs {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// VisibleRegistrations drops registrations whose event is not present
// in events. A registration for a deleted or invisible event must never
// be displayed.
func VisibleRegistrations(regs []model.RegistrationDetail, events []model.Event) []model.RegistrationDetail {
	ids := make(map[int64]struct{}, len(events))
	for _, e := range events {
		ids[e.ID] = struct{}{}
	}
	var out []model.RegistrationDetail
	for _, r := range regs {
		if _, ok := ids[r.EventID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// EventIDs returns the sorted id set of events, used as the
// registration change-feed filter.
func EventIDs(events []model.Event) []int64 {
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
