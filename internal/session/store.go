// Package session owns the process-wide authenticated session: who is
// logged in, the initial-restore loading flag, and the navigation that
// follows every auth transition. The Store is the only writer of the
// session; everything else reads snapshots.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"volunteerhub/internal/metrics"
	"volunteerhub/internal/model"
	"volunteerhub/internal/notify"
)

// Routes the store navigates to after auth transitions.
const (
	RouteLogin            = "/login"
	RouteOrganizationHome = "/organization/dashboard"
	RouteVolunteerHome    = "/volunteer/home"
)

// Provider is the external identity provider contract.
type Provider interface {
	SignUp(ctx context.Context, email, password string, role model.Role, fullName string) (*model.Identity, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Identity, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*model.Identity, error)
	Events() <-chan model.IdentityEvent
}

// ProfileLookup resolves an identity id to its role and display
// profile.
type ProfileLookup interface {
	ProfileByID(ctx context.Context, userID string) (*model.Profile, error)
}

// Navigator is the routing sink: a synchronous request to change the
// active route.
type Navigator interface {
	Navigate(path string)
}

// Snapshot is the read-only view of the session handed to consumers.
type Snapshot struct {
	Identity *model.Identity
	Loading  bool
}

// Store is the session state machine: Loading initially, then
// Unauthenticated or Authenticated, flipping on sign-in/sign-out and on
// identity events from the provider.
type Store struct {
	provider Provider
	profiles ProfileLookup
	nav      Navigator
	notifier notify.Notifier
	log      *zerolog.Logger
	mc       *metrics.Collector

	// readiness poll after sign-up, replacing a fixed settle delay
	readiness retry.Strategy

	state chan sessionState
}

type sessionState struct {
	ident   *model.Identity
	loading bool
	seq     int64
}

func NewStore(p Provider, profiles ProfileLookup, nav Navigator, notifier notify.Notifier, log *zerolog.Logger, mc *metrics.Collector) *Store {
	s := &Store{
		provider:  p,
		profiles:  profiles,
		nav:       nav,
		notifier:  notifier,
		log:       log,
		mc:        mc,
		readiness: retry.Strategy{Attempts: 5, Delay: 300 * time.Millisecond, Backoff: 2},
		state:     make(chan sessionState, 1),
	}
	s.state <- sessionState{loading: true}
	return s
}

// Snapshot returns the current session view.
func (s *Store) Snapshot() Snapshot {
	st := <-s.state
	s.state <- st
	return Snapshot{Identity: st.ident, Loading: st.loading}
}

// apply installs ident if seq is not older than the current state.
// It reports whether the identity visibly changed.
func (s *Store) apply(ident *model.Identity, seq int64) bool {
	st := <-s.state
	if seq < st.seq {
		s.state <- st
		s.log.Debug().Int64("seq", seq).Int64("have", st.seq).Msg("stale identity event dropped")
		return false
	}
	changed := !sameIdentity(st.ident, ident) || st.loading
	st.ident = ident
	st.loading = false
	st.seq = seq
	s.state <- st
	return changed
}

func sameIdentity(a, b *model.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// Restore resolves any persisted session once at startup. The loading
// flag drops regardless of outcome; a resolved identity triggers
// post-auth routing.
func (s *Store) Restore(ctx context.Context) {
	ident, err := s.provider.GetSession(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("session restore failed")
		ident = nil
	}
	s.apply(ident, 0)
	if ident != nil {
		s.mc.AuthTransition("restored")
		s.routeFor(ctx, ident.ID)
	} else {
		s.mc.AuthTransition("unauthenticated")
	}
}

// Run consumes identity events until ctx is done. Events are processed
// one at a time; stale sequences are discarded so a notification can
// never overwrite the result of a newer local call.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.provider.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Store) handleEvent(ctx context.Context, ev model.IdentityEvent) {
	if !s.apply(ev.Identity, ev.Seq) {
		return
	}
	if ev.Identity != nil {
		s.mc.AuthTransition("event_signin")
		s.routeFor(ctx, ev.Identity.ID)
	} else {
		s.mc.AuthTransition("event_signout")
		s.nav.Navigate(RouteLogin)
	}
}

// SignUp creates an account (sign-up implies sign-in). Before routing,
// the profile lookup is polled until the backend has the new profile
// visible, bounded by the readiness strategy.
func (s *Store) SignUp(ctx context.Context, email, password string, role model.Role, fullName string) error {
	ident, err := s.provider.SignUp(ctx, email, password, role, fullName)
	if err != nil {
		authErr := classify(err)
		s.notifier.Error(authErr.Message())
		s.mc.AuthTransition("signup_failed")
		return authErr
	}

	s.apply(ident, time.Now().UnixNano())
	s.notifier.Success("Account created")
	s.mc.AuthTransition("signup")

	if err := retry.Do(func() error {
		_, err := s.profiles.ProfileByID(ctx, ident.ID)
		return err
	}, s.readiness); err != nil {
		s.log.Warn().Err(err).Str("user_id", ident.ID).Msg("profile not ready after sign-up")
	}

	s.routeFor(ctx, ident.ID)
	return nil
}

// SignIn authenticates and routes to the identity's home.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	ident, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		authErr := classify(err)
		s.notifier.Error(authErr.Message())
		s.mc.AuthTransition("signin_failed")
		return authErr
	}

	s.apply(ident, time.Now().UnixNano())
	s.mc.AuthTransition("signin")
	s.routeFor(ctx, ident.ID)
	return nil
}

// SignOut clears the local identity and navigates to the login route
// unconditionally. A failed remote revocation is surfaced as a
// notification but does not keep the user signed in locally.
func (s *Store) SignOut(ctx context.Context) error {
	err := s.provider.SignOut(ctx)

	s.apply(nil, time.Now().UnixNano())
	s.nav.Navigate(RouteLogin)

	if err != nil {
		authErr := classify(err)
		s.notifier.Error(authErr.Message())
		s.mc.AuthTransition("signout_failed")
		return authErr
	}
	s.mc.AuthTransition("signout")
	return nil
}

// routeFor looks up the identity's role and navigates to its home
// route. A failed lookup leaves the current route and notifies.
func (s *Store) routeFor(ctx context.Context, userID string) {
	profile, err := s.profiles.ProfileByID(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("post-auth profile lookup failed")
		s.notifier.Error("Could not load your profile")
		return
	}

	switch profile.Role {
	case model.RoleOrganization:
		s.nav.Navigate(RouteOrganizationHome)
	case model.RoleVolunteer:
		s.nav.Navigate(RouteVolunteerHome)
	default:
		s.log.Error().Msg(fmt.Sprintf("no home route for role %q", profile.Role))
		s.notifier.Error("Could not load your profile")
	}
}
