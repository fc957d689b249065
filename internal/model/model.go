package model

import "time"

type Role string

const (
	RoleOrganization Role = "organization"
	RoleVolunteer    Role = "volunteer"
)

// ValidRole reports whether r is one of the known account roles.
func ValidRole(r Role) bool {
	return r == RoleOrganization || r == RoleVolunteer
}

type Identity struct {
	ID    string `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
	Role  Role   `db:"role" json:"role"`
}

type Profile struct {
	UserID   string `db:"user_id" json:"user_id"`
	Role     Role   `db:"role" json:"role"`
	FullName string `db:"full_name" json:"full_name"`
	Phone    string `db:"phone,omitempty" json:"phone,omitempty"`
	ImageURL string `db:"image_url,omitempty" json:"image_url,omitempty"`
	Email    string `db:"email" json:"email"`
}

type Event struct {
	ID                int64     `db:"id" json:"id"`
	OrganizationID    string    `db:"organization_id" json:"organization_id"`
	Title             string    `db:"title" json:"title"`
	Description       string    `db:"description,omitempty" json:"description,omitempty"`
	StartTime         time.Time `db:"start_time" json:"start_time"`
	Location          string    `db:"location,omitempty" json:"location,omitempty"`
	VolunteersNeeded  int       `db:"volunteers_needed" json:"volunteers_needed"`
	CurrentVolunteers int       `db:"current_volunteers" json:"current_volunteers"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

type Registration struct {
	ID           int64     `db:"id" json:"id"`
	EventID      int64     `db:"event_id" json:"event_id"`
	VolunteerID  string    `db:"volunteer_id" json:"volunteer_id"`
	ContactPhone string    `db:"contact_phone,omitempty" json:"contact_phone,omitempty"`
	Dietary      string    `db:"dietary,omitempty" json:"dietary,omitempty"`
	Notes        string    `db:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RegistrationDetail is a registration joined with the volunteer's
// denormalized profile. Email comes from a separate batch lookup and is
// nil when that lookup did not resolve.
type RegistrationDetail struct {
	Registration
	FullName string  `json:"full_name"`
	Phone    string  `json:"phone,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
	Email    *string `json:"email"`
}

// Change kinds mirror the row-level operations the store emits.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// Table names used on the changes exchange.
const (
	TableEvents        = "events"
	TableRegistrations = "registrations"
)

// ChangeMessage is a row-change notification published on the changes
// exchange. It carries identifiers only; consumers re-fetch rather than
// apply the payload, which may be partial or superseded by the time it
// is delivered.
type ChangeMessage struct {
	Table          string    `json:"table"`
	Kind           string    `json:"kind"`
	RowID          int64     `json:"row_id"`
	EventID        int64     `json:"event_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// IdentityEvent is an auth-state transition pushed by the identity
// provider. Seq increases monotonically per emitter; consumers must drop
// events older than the state they already hold.
type IdentityEvent struct {
	Seq        int64     `json:"seq"`
	Identity   *Identity `json:"identity,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
