package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"volunteerhub/cmd/middleware"
	"volunteerhub/internal/changefeed"
	"volunteerhub/internal/dashboard"
	"volunteerhub/internal/dto"
	"volunteerhub/internal/mailer"
	"volunteerhub/internal/model"
	"volunteerhub/internal/repo"
	"volunteerhub/internal/session"
	"volunteerhub/pkg/validator"
)

// Publisher emits row-change messages on the changes exchange.
type Publisher interface {
	Publish(routingKey string, message []byte) error
}

type Service interface {
	SignUp(ctx *ginext.Context)
	SignIn(ctx *ginext.Context)
	SignOut(ctx *ginext.Context)
	Session(ctx *ginext.Context)
	CreateEvent(ctx *ginext.Context)
	UpdateEvent(ctx *ginext.Context)
	DeleteEvent(ctx *ginext.Context)
	Register(ctx *ginext.Context)
	DashboardSummary(ctx *ginext.Context)
	DashboardEvents(ctx *ginext.Context)
	EventRegistrations(ctx *ginext.Context)
}

type service struct {
	store      *session.Store
	repo       repo.Repository
	dashboards *dashboard.Manager
	publisher  Publisher
	routes     *RouteTracker
	mail       *mailer.Mailer
	log        *zerolog.Logger
}

func NewService(
	store *session.Store,
	repository repo.Repository,
	dashboards *dashboard.Manager,
	publisher Publisher,
	routes *RouteTracker,
	mail *mailer.Mailer,
	log *zerolog.Logger,
) Service {
	return &service{
		store:      store,
		repo:       repository,
		dashboards: dashboards,
		publisher:  publisher,
		routes:     routes,
		mail:       mail,
		log:        log,
	}
}

func (s *service) sessionResponse() dto.SessionResponse {
	snap := s.store.Snapshot()
	return dto.SessionResponse{
		Identity: snap.Identity,
		Loading:  snap.Loading,
		Route:    s.routes.Current(),
	}
}

// identity resolves who is performing the request: a bearer token
// attached by the auth middleware wins, otherwise the process-wide
// session.
func (s *service) identity(ctx *ginext.Context) *model.Identity {
	if ident, ok := middleware.IdentityFrom(ctx); ok {
		return ident
	}
	return s.store.Snapshot().Identity
}

func (s *service) SignUp(ctx *ginext.Context) {
	var req dto.SignUpRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse sign-up request")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	err := s.store.SignUp(ctx, req.Email, req.Password, model.Role(req.Role), req.FullName)
	if err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			switch authErr.Kind {
			case session.KindDuplicateEmail, session.KindWeakPassword:
				dto.BadResponseError(ctx, dto.FieldIncorrect, authErr.Message())
			default:
				dto.AuthFailedError(ctx, authErr.Message())
			}
			return
		}
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessCreatedResponse(ctx, s.sessionResponse())
}

func (s *service) SignIn(ctx *ginext.Context) {
	var req dto.SignInRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	if err := s.store.SignIn(ctx, req.Email, req.Password); err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			dto.AuthFailedError(ctx, authErr.Message())
			return
		}
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, s.sessionResponse())
}

// SignOut always leaves the client signed out and on the login route;
// a failed remote revocation is logged, not surfaced as a failure.
func (s *service) SignOut(ctx *ginext.Context) {
	s.dashboards.CloseAll()
	if err := s.store.SignOut(ctx); err != nil {
		s.log.Warn().Err(err).Msg("remote sign-out failed, session cleared locally")
	}
	dto.SuccessResponse(ctx, s.sessionResponse())
}

func (s *service) Session(ctx *ginext.Context) {
	dto.SuccessResponse(ctx, s.sessionResponse())
}

// publishChange announces a committed row change. The write has already
// happened, so a publish failure is logged and the change-feed falls
// back to the next full re-fetch.
func (s *service) publishChange(msg model.ChangeMessage) {
	var key string
	switch msg.Table {
	case model.TableEvents:
		key = changefeed.EventsRoutingKey(msg.OrganizationID)
	case model.TableRegistrations:
		key = changefeed.RegistrationRoutingKey(msg.EventID)
	default:
		s.log.Error().Str("table", msg.Table).Msg("no routing key for table")
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal change message")
		return
	}
	if err := s.publisher.Publish(key, body); err != nil {
		s.log.Error().Err(err).Msg("failed to publish change message")
	}
}

func (s *service) CreateEvent(ctx *ginext.Context) {
	ident := s.identity(ctx)
	if ident == nil {
		dto.NotSignedInError(ctx)
		return
	}
	if ident.Role != model.RoleOrganization {
		dto.ForbiddenError(ctx)
		return
	}

	var req dto.CreateEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse create event request")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event := &model.Event{
		OrganizationID:   ident.ID,
		Title:            req.Title,
		Description:      req.Description,
		StartTime:        req.StartTime,
		Location:         req.Location,
		VolunteersNeeded: req.VolunteersNeeded,
	}

	id, err := s.repo.CreateEvent(ctx, event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create event in DB")
		dto.InternalServerError(ctx)
		return
	}

	s.log.Info().Int64("event_id", id).Msg("event created successfully")
	s.publishChange(model.ChangeMessage{
		Table:          model.TableEvents,
		Kind:           model.ChangeInsert,
		RowID:          id,
		EventID:        id,
		OrganizationID: ident.ID,
		OccurredAt:     time.Now(),
	})

	created, err := s.repo.GetEventByID(ctx, id)
	if err != nil {
		dto.InternalServerError(ctx)
		return
	}
	dto.SuccessCreatedResponse(ctx, eventResponse(created))
}

func (s *service) UpdateEvent(ctx *ginext.Context) {
	ident := s.identity(ctx)
	if ident == nil {
		dto.NotSignedInError(ctx)
		return
	}
	if ident.Role != model.RoleOrganization {
		dto.ForbiddenError(ctx)
		return
	}

	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	var req dto.UpdateEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event := &model.Event{
		ID:               eventID,
		OrganizationID:   ident.ID,
		Title:            req.Title,
		Description:      req.Description,
		StartTime:        req.StartTime,
		Location:         req.Location,
		VolunteersNeeded: req.VolunteersNeeded,
	}

	if err := s.repo.UpdateEvent(ctx, event); err != nil {
		if errors.Is(err, repo.ErrEventNotFound) {
			dto.EventNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to update event")
		dto.InternalServerError(ctx)
		return
	}

	s.publishChange(model.ChangeMessage{
		Table:          model.TableEvents,
		Kind:           model.ChangeUpdate,
		RowID:          eventID,
		EventID:        eventID,
		OrganizationID: ident.ID,
		OccurredAt:     time.Now(),
	})

	updated, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		dto.InternalServerError(ctx)
		return
	}
	dto.SuccessResponse(ctx, eventResponse(updated))
}

func (s *service) DeleteEvent(ctx *ginext.Context) {
	ident := s.identity(ctx)
	if ident == nil {
		dto.NotSignedInError(ctx)
		return
	}
	if ident.Role != model.RoleOrganization {
		dto.ForbiddenError(ctx)
		return
	}

	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	if err := s.repo.DeleteEvent(ctx, eventID, ident.ID); err != nil {
		dto.EventNotFoundError(ctx)
		return
	}

	s.log.Info().Int64("event_id", eventID).Msg("event deleted")
	s.publishChange(model.ChangeMessage{
		Table:          model.TableEvents,
		Kind:           model.ChangeDelete,
		RowID:          eventID,
		EventID:        eventID,
		OrganizationID: ident.ID,
		OccurredAt:     time.Now(),
	})

	dto.SuccessResponse(ctx, nil)
}

func (s *service) Register(ctx *ginext.Context) {
	ident := s.identity(ctx)
	if ident == nil {
		dto.NotSignedInError(ctx)
		return
	}
	if ident.Role != model.RoleVolunteer {
		dto.ForbiddenError(ctx)
		return
	}

	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	var req dto.RegisterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		dto.EventNotFoundError(ctx)
		return
	}

	registration := &model.Registration{
		EventID:      eventID,
		VolunteerID:  ident.ID,
		ContactPhone: req.ContactPhone,
		Dietary:      req.Dietary,
		Notes:        req.Notes,
	}

	id, err := s.repo.RegisterVolunteerTx(ctx.Request.Context(), registration)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrEventNotFound):
			dto.EventNotFoundError(ctx)
		case errors.Is(err, repo.ErrEventFull):
			dto.EventFullError(ctx)
		case errors.Is(err, repo.ErrDuplicateRegistration):
			dto.RegistrationDuplicateError(ctx)
		default:
			s.log.Error().Err(err).Msg("failed to register volunteer")
			dto.InternalServerError(ctx)
		}
		return
	}

	s.log.Info().Int64("registration_id", id).Int64("event_id", eventID).Msg("registration created successfully")
	s.publishChange(model.ChangeMessage{
		Table:          model.TableRegistrations,
		Kind:           model.ChangeInsert,
		RowID:          id,
		EventID:        eventID,
		OrganizationID: event.OrganizationID,
		OccurredAt:     time.Now(),
	})

	if s.mail != nil {
		if err := s.mail.SendRegistrationEmail(ident.Email, event.Title, event.StartTime); err != nil {
			s.log.Warn().Err(err).Msg("failed to send registration email")
		}
	}

	dto.SuccessCreatedResponse(ctx, dto.RegistrationResponse{
		ID:           id,
		EventID:      eventID,
		ContactPhone: req.ContactPhone,
		Dietary:      req.Dietary,
		Notes:        req.Notes,
		CreatedAt:    time.Now(),
	})
}

// openDashboard resolves the signed-in organization's mounted
// dashboard.
func (s *service) openDashboard(ctx *ginext.Context) (*dashboard.Dashboard, bool) {
	ident := s.identity(ctx)
	if ident == nil {
		dto.NotSignedInError(ctx)
		return nil, false
	}
	if ident.Role != model.RoleOrganization {
		dto.ForbiddenError(ctx)
		return nil, false
	}

	d, err := s.dashboards.Open(ident.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to open dashboard")
		dto.InternalServerError(ctx)
		return nil, false
	}
	return d, true
}

func (s *service) DashboardSummary(ctx *ginext.Context) {
	d, ok := s.openDashboard(ctx)
	if !ok {
		return
	}

	summary, err := d.Summary(ctx.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load dashboard summary")
		dto.InternalServerError(ctx)
		return
	}
	dto.SuccessResponse(ctx, summary)
}

func (s *service) DashboardEvents(ctx *ginext.Context) {
	d, ok := s.openDashboard(ctx)
	if !ok {
		return
	}

	events, err := d.Events(ctx.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load dashboard events")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.EventResponse, 0, len(events))
	for i := range events {
		resp = append(resp, eventResponse(&events[i]))
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) EventRegistrations(ctx *ginext.Context) {
	d, ok := s.openDashboard(ctx)
	if !ok {
		return
	}

	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	regs, err := d.EventRegistrations(ctx.Request.Context(), eventID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load registrations")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.RegistrationResponse, 0, len(regs))
	for _, r := range regs {
		resp = append(resp, dto.RegistrationResponse{
			ID:           r.ID,
			EventID:      r.EventID,
			FullName:     r.FullName,
			Phone:        r.Phone,
			ImageURL:     r.ImageURL,
			Email:        r.Email,
			ContactPhone: r.ContactPhone,
			Dietary:      r.Dietary,
			Notes:        r.Notes,
			CreatedAt:    r.CreatedAt,
		})
	}
	dto.SuccessResponse(ctx, resp)
}

func eventResponse(e *model.Event) dto.EventResponse {
	return dto.EventResponse{
		ID:                e.ID,
		OrganizationID:    e.OrganizationID,
		Title:             e.Title,
		Description:       e.Description,
		StartTime:         e.StartTime,
		Location:          e.Location,
		VolunteersNeeded:  e.VolunteersNeeded,
		CurrentVolunteers: e.CurrentVolunteers,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}
