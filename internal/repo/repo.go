package repo

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"volunteerhub/internal/model"
)

var (
	ErrEventNotFound         = errors.New("event not found")
	ErrEventFull             = errors.New("event is full")
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrDuplicateEmail        = errors.New("email already registered")
	ErrAccountNotFound       = errors.New("account not found")
	ErrProfileNotFound       = errors.New("profile not found")
)

// Account is the credential row backing an identity.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Role         model.Role
}

type Repository interface {
	CreateAccountTx(ctx context.Context, acc *Account, fullName string) error
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	ProfileByID(ctx context.Context, userID string) (*model.Profile, error)
	EmailsByUserIDs(ctx context.Context, userIDs []string) (map[string]string, error)

	CreateEvent(ctx context.Context, e *model.Event) (int64, error)
	UpdateEvent(ctx context.Context, e *model.Event) error
	DeleteEvent(ctx context.Context, id int64, orgID string) error
	GetEventByID(ctx context.Context, id int64) (*model.Event, error)
	EventsByOrganization(ctx context.Context, orgID string) ([]model.Event, error)

	RegisterVolunteerTx(ctx context.Context, reg *model.Registration) (int64, error)
	RegistrationsByEventIDs(ctx context.Context, eventIDs []int64) ([]model.RegistrationDetail, error)

	MigrateUp(migrationsDir string) error
	MigrateDown(migrationsDir string) error
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

func (r *repository) MigrateUp(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := ioutil.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations applied successfully from %s", migrationsDir)
	return nil
}

func (r *repository) MigrateDown(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return fmt.Errorf("failed to read rollback files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := ioutil.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read rollback file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations rolled back successfully from %s", migrationsDir)
	return nil
}

func (r *repository) CreateAccountTx(ctx context.Context, acc *Account, fullName string) error {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, acc.ID, acc.Email, acc.PasswordHash, acc.Role)
	if err != nil {
		_ = tx.Rollback()
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, role, full_name, created_at)
		VALUES ($1, $2, $3, NOW())
	`, acc.ID, acc.Role, fullName)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *repository) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	query := `
		SELECT id, email, password_hash, role
		FROM users WHERE email = $1
	`
	row := r.db.QueryRowContext(ctx, query, email)

	var acc Account
	if err := row.Scan(&acc.ID, &acc.Email, &acc.PasswordHash, &acc.Role); err != nil {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

func (r *repository) ProfileByID(ctx context.Context, userID string) (*model.Profile, error) {
	query := `
		SELECT p.user_id, p.role, p.full_name, COALESCE(p.phone, ''),
		       COALESCE(p.image_url, ''), u.email
		FROM profiles p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1
	`
	row := r.db.QueryRowContext(ctx, query, userID)

	var p model.Profile
	if err := row.Scan(&p.UserID, &p.Role, &p.FullName, &p.Phone, &p.ImageURL, &p.Email); err != nil {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

func (r *repository) EmailsByUserIDs(ctx context.Context, userIDs []string) (map[string]string, error) {
	if len(userIDs) == 0 {
		return map[string]string{}, nil
	}

	placeholders := make([]string, 0, len(userIDs))
	args := make([]any, 0, len(userIDs))
	for i, id := range userIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, email FROM users WHERE id IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get emails: %w", err)
	}
	defer rows.Close()

	emails := make(map[string]string, len(userIDs))
	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("failed to scan email row: %w", err)
		}
		emails[id] = email
	}

	return emails, nil
}

func (r *repository) CreateEvent(ctx context.Context, e *model.Event) (int64, error) {
	query := `
		INSERT INTO events (organization_id, title, description, start_time, location, volunteers_needed)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	row := r.db.QueryRowContext(ctx, query,
		e.OrganizationID, e.Title, e.Description, e.StartTime, e.Location, e.VolunteersNeeded,
	)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

func (r *repository) UpdateEvent(ctx context.Context, e *model.Event) error {
	query := `
		UPDATE events
		SET title = $1, description = $2, start_time = $3, location = $4,
		    volunteers_needed = $5, updated_at = NOW()
		WHERE id = $6 AND organization_id = $7
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		e.Title, e.Description, e.StartTime, e.Location, e.VolunteersNeeded, e.ID, e.OrganizationID,
	).Scan(&id)
	if err != nil {
		return ErrEventNotFound
	}
	return nil
}

func (r *repository) DeleteEvent(ctx context.Context, id int64, orgID string) error {
	query := `
		DELETE FROM events WHERE id = $1 AND organization_id = $2
		RETURNING id
	`

	var deleted int64
	if err := r.db.QueryRowContext(ctx, query, id, orgID).Scan(&deleted); err != nil {
		return ErrEventNotFound
	}
	return nil
}

func (r *repository) GetEventByID(ctx context.Context, id int64) (*model.Event, error) {
	query := `
		SELECT id, organization_id, title, description, start_time, location,
		       volunteers_needed, current_volunteers, created_at, updated_at
		FROM events WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var e model.Event
	if err := row.Scan(
		&e.ID, &e.OrganizationID, &e.Title, &e.Description, &e.StartTime, &e.Location,
		&e.VolunteersNeeded, &e.CurrentVolunteers, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, ErrEventNotFound
	}
	return &e, nil
}

func (r *repository) EventsByOrganization(ctx context.Context, orgID string) ([]model.Event, error) {
	query := `
		SELECT id, organization_id, title, description, start_time, location,
		       volunteers_needed, current_volunteers, created_at, updated_at
		FROM events
		WHERE organization_id = $1
		ORDER BY start_time ASC
	`

	rows, err := r.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(
			&e.ID,
			&e.OrganizationID,
			&e.Title,
			&e.Description,
			&e.StartTime,
			&e.Location,
			&e.VolunteersNeeded,
			&e.CurrentVolunteers,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	return events, nil
}

func (r *repository) RegisterVolunteerTx(ctx context.Context, reg *model.Registration) (int64, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	var event model.Event
	err = tx.QueryRowContext(ctx, `
		SELECT id, volunteers_needed, current_volunteers
		FROM events
		WHERE id = $1
		FOR UPDATE
	`, reg.EventID).Scan(&event.ID, &event.VolunteersNeeded, &event.CurrentVolunteers)
	if err != nil {
		_ = tx.Rollback()
		return 0, ErrEventNotFound
	}

	if event.CurrentVolunteers >= event.VolunteersNeeded {
		_ = tx.Rollback()
		return 0, ErrEventFull
	}

	var existing int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM registrations
		WHERE event_id = $1 AND volunteer_id = $2
	`, reg.EventID, reg.VolunteerID).Scan(&existing)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to check duplicate registration: %w", err)
	}
	if existing > 0 {
		_ = tx.Rollback()
		return 0, ErrDuplicateRegistration
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO registrations (event_id, volunteer_id, contact_phone, dietary, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id
	`, reg.EventID, reg.VolunteerID, reg.ContactPhone, reg.Dietary, reg.Notes).Scan(&id)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to create registration: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE events
		SET current_volunteers = current_volunteers + 1, updated_at = NOW()
		WHERE id = $1
	`, reg.EventID)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to bump volunteer count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return id, nil
}

func (r *repository) RegistrationsByEventIDs(ctx context.Context, eventIDs []int64) ([]model.RegistrationDetail, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(eventIDs))
	args := make([]any, 0, len(eventIDs))
	for i, id := range eventIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT r.id, r.event_id, r.volunteer_id,
		       COALESCE(r.contact_phone, ''), COALESCE(r.dietary, ''), COALESCE(r.notes, ''),
		       r.created_at,
		       p.full_name, COALESCE(p.phone, ''), COALESCE(p.image_url, '')
		FROM registrations r
		JOIN profiles p ON p.user_id = r.volunteer_id
		WHERE r.event_id IN (%s)
		ORDER BY r.created_at ASC
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.RegistrationDetail
	for rows.Next() {
		var d model.RegistrationDetail
		if err := rows.Scan(
			&d.ID,
			&d.EventID,
			&d.VolunteerID,
			&d.ContactPhone,
			&d.Dietary,
			&d.Notes,
			&d.CreatedAt,
			&d.FullName,
			&d.Phone,
			&d.ImageURL,
		); err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, d)
	}

	return regs, nil
}
