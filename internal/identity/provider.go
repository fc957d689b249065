// Package identity implements the identity provider contract: password
// sign-up/sign-in, token-backed session restore, and a stream of
// auth-state transitions delivered over the changes exchange so that a
// login or logout performed elsewhere reaches this client too.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"volunteerhub/internal/model"
	"volunteerhub/internal/repo"
)

var (
	ErrWeakPassword       = errors.New("password is too weak")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidRole        = errors.New("unknown role")
)

// IdentityRoutingKey carries auth-state transitions on the changes
// exchange.
const IdentityRoutingKey = "identity.session"

const minPasswordLen = 8

// Channel is an open broker subscription.
type Channel interface {
	Close() error
}

// Broker publishes and subscribes on the changes exchange.
type Broker interface {
	Publish(routingKey string, message []byte) error
	Subscribe(name string, routingKeys []string, handler func([]byte) error) (Channel, error)
}

// Accounts is the credential store slice the provider needs.
type Accounts interface {
	CreateAccountTx(ctx context.Context, acc *repo.Account, fullName string) error
	AccountByEmail(ctx context.Context, email string) (*repo.Account, error)
}

type Config struct {
	Secret    string
	TokenTTL  time.Duration
	TokenPath string
}

// Provider is the concrete identity provider. The current access token
// is persisted to TokenPath so a restart restores the same session.
type Provider struct {
	repo   Accounts
	broker Broker
	log    *zerolog.Logger
	cfg    Config

	mu     sync.Mutex
	sub    Channel
	events chan model.IdentityEvent
}

func NewProvider(r Accounts, broker Broker, log *zerolog.Logger, cfg Config) *Provider {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Provider{
		repo:   r,
		broker: broker,
		log:    log,
		cfg:    cfg,
		events: make(chan model.IdentityEvent, 16),
	}
}

// Start opens the identity-event subscription feeding Events.
func (p *Provider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		return nil
	}
	sub, err := p.broker.Subscribe("identity", []string{IdentityRoutingKey}, p.onIdentityMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to identity events: %w", err)
	}
	p.sub = sub
	return nil
}

func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		if err := p.sub.Close(); err != nil {
			p.log.Warn().Err(err).Msg("failed to close identity subscription")
		}
		p.sub = nil
	}
	close(p.events)
}

// Events is the inbound auth-state stream. Events carry a sequence
// number; consumers drop anything older than the state they hold.
func (p *Provider) Events() <-chan model.IdentityEvent {
	return p.events
}

func (p *Provider) onIdentityMessage(body []byte) error {
	var ev model.IdentityEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		p.log.Warn().Err(err).Msg("unreadable identity event")
		return nil
	}
	select {
	case p.events <- ev:
	default:
		// Buffer full: shed the oldest event, the latest auth state
		// must always get through.
		select {
		case <-p.events:
		default:
		}
		select {
		case p.events <- ev:
		default:
		}
		p.log.Warn().Int64("seq", ev.Seq).Msg("identity event buffer full, dropped oldest")
	}
	return nil
}

// SignUp creates an account with the given role and immediately
// establishes a session for it.
func (p *Provider) SignUp(ctx context.Context, email, password string, role model.Role, fullName string) (*model.Identity, error) {
	if !model.ValidRole(role) {
		return nil, ErrInvalidRole
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	acc := &repo.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := p.repo.CreateAccountTx(ctx, acc, fullName); err != nil {
		return nil, err
	}

	ident := &model.Identity{ID: acc.ID, Email: acc.Email, Role: acc.Role}
	if err := p.establish(ident); err != nil {
		return nil, err
	}

	p.log.Info().Str("user_id", ident.ID).Str("role", string(role)).Msg("account created")
	return ident, nil
}

// SignInWithPassword authenticates and establishes a session.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*model.Identity, error) {
	acc, err := p.repo.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrAccountNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	ident := &model.Identity{ID: acc.ID, Email: acc.Email, Role: acc.Role}
	if err := p.establish(ident); err != nil {
		return nil, err
	}

	p.log.Info().Str("user_id", ident.ID).Msg("signed in")
	return ident, nil
}

// SignOut drops the persisted token and announces the transition.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := os.Remove(p.cfg.TokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to drop session token: %w", err)
	}
	p.announce(nil)
	p.log.Info().Msg("signed out")
	return nil
}

// GetSession resolves the persisted token to an Identity. A missing or
// expired token is not an error: the session is simply absent.
func (p *Provider) GetSession(ctx context.Context) (*model.Identity, error) {
	raw, err := os.ReadFile(p.cfg.TokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session token: %w", err)
	}

	ident, err := p.parseToken(string(raw))
	if err != nil {
		p.log.Warn().Err(err).Msg("stored session token rejected")
		return nil, nil
	}
	return ident, nil
}

// VerifyToken resolves a bearer token to the identity it was issued
// for.
func (p *Provider) VerifyToken(token string) (*model.Identity, error) {
	return p.parseToken(token)
}

// establish persists a fresh token for ident and announces the change.
func (p *Provider) establish(ident *model.Identity) error {
	token, err := p.signToken(ident)
	if err != nil {
		return fmt.Errorf("failed to sign session token: %w", err)
	}
	if err := os.WriteFile(p.cfg.TokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to persist session token: %w", err)
	}
	p.announce(ident)
	return nil
}

// announce publishes the transition on the changes exchange. A publish
// failure is logged only; the local state change already happened.
func (p *Provider) announce(ident *model.Identity) {
	ev := model.IdentityEvent{
		Seq:        time.Now().UnixNano(),
		Identity:   ident,
		OccurredAt: time.Now(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to marshal identity event")
		return
	}
	if err := p.broker.Publish(IdentityRoutingKey, body); err != nil {
		p.log.Warn().Err(err).Msg("failed to publish identity event")
	}
}

type sessionClaims struct {
	Email string     `json:"email"`
	Role  model.Role `json:"role"`
	jwt.RegisteredClaims
}

func (p *Provider) signToken(ident *model.Identity) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Email: ident.Email,
		Role:  ident.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(p.cfg.Secret))
}

func (p *Provider) parseToken(raw string) (*model.Identity, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(p.cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	return &model.Identity{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}
