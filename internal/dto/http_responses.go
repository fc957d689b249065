package dto

import (
	"time"

	"github.com/wb-go/wbf/ginext"

	"volunteerhub/internal/model"
)

const (
	FieldBadFormat     = "FIELD_BADFORMAT"
	FieldIncorrect     = "FIELD_INCORRECT"
	ServiceUnavailable = "SERVICE_UNAVAILABLE"
	InternalError      = "Service is currently unavailable. Please try again later."

	EventNotFound         = "EVENT_NOT_FOUND"
	EventFull             = "EVENT_FULL"
	RegistrationDuplicate = "REGISTRATION_DUPLICATE"
	AuthFailed            = "AUTH_FAILED"
	NotSignedIn           = "NOT_SIGNED_IN"
	Forbidden             = "FORBIDDEN"
)

type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,role"`
	FullName string `json:"full_name" validate:"required,min=2,max=255"`
}

type SignInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type SessionResponse struct {
	Identity *model.Identity `json:"identity"`
	Loading  bool            `json:"loading"`
	Route    string          `json:"route"`
}

type CreateEventRequest struct {
	Title            string    `json:"title" validate:"required,max=255"`
	Description      string    `json:"description"`
	StartTime        time.Time `json:"start_time" validate:"required,future"`
	Location         string    `json:"location"`
	VolunteersNeeded int       `json:"volunteers_needed" validate:"positive"`
}

type UpdateEventRequest struct {
	Title            string    `json:"title" validate:"required,max=255"`
	Description      string    `json:"description"`
	StartTime        time.Time `json:"start_time" validate:"required"`
	Location         string    `json:"location"`
	VolunteersNeeded int       `json:"volunteers_needed" validate:"positive"`
}

type RegisterRequest struct {
	ContactPhone string `json:"contact_phone" validate:"required"`
	Dietary      string `json:"dietary"`
	Notes        string `json:"notes,omitempty"`
}

type EventResponse struct {
	ID                int64     `json:"id"`
	OrganizationID    string    `json:"organization_id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	StartTime         time.Time `json:"start_time"`
	Location          string    `json:"location"`
	VolunteersNeeded  int       `json:"volunteers_needed"`
	CurrentVolunteers int       `json:"current_volunteers"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type RegistrationResponse struct {
	ID           int64     `json:"id"`
	EventID      int64     `json:"event_id"`
	FullName     string    `json:"full_name"`
	Phone        string    `json:"phone,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	Email        *string   `json:"email"`
	ContactPhone string    `json:"contact_phone,omitempty"`
	Dietary      string    `json:"dietary,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Response struct {
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type Error struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
}

func BadResponseError(c *ginext.Context, code, desc string) {
	c.JSON(400, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func InternalServerError(c *ginext.Context) {
	c.JSON(500, Response{
		Status: "error",
		Error: &Error{
			Code: ServiceUnavailable,
			Desc: InternalError,
		},
	})
}

func AuthFailedError(c *ginext.Context, desc string) {
	c.JSON(401, Response{
		Status: "error",
		Error: &Error{
			Code: AuthFailed,
			Desc: desc,
		},
	})
}

func NotSignedInError(c *ginext.Context) {
	c.JSON(401, Response{
		Status: "error",
		Error: &Error{
			Code: NotSignedIn,
			Desc: "Sign in first",
		},
	})
}

func ForbiddenError(c *ginext.Context) {
	c.JSON(403, Response{
		Status: "error",
		Error: &Error{
			Code: Forbidden,
			Desc: "This account cannot perform the operation",
		},
	})
}

func EventNotFoundError(c *ginext.Context) {
	c.JSON(404, Response{
		Status: "error",
		Error: &Error{
			Code: EventNotFound,
			Desc: "Event not found",
		},
	})
}

func EventFullError(c *ginext.Context) {
	BadResponseError(c, EventFull, "Event has no open volunteer slots")
}

func RegistrationDuplicateError(c *ginext.Context) {
	BadResponseError(c, RegistrationDuplicate, "You have already registered for this event")
}

func SuccessResponse(c *ginext.Context, data any) {
	c.JSON(200, Response{
		Status: "ok",
		Data:   data,
	})
}

func SuccessCreatedResponse(c *ginext.Context, data any) {
	c.JSON(201, Response{
		Status: "ok",
		Data:   data,
	})
}
