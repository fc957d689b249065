package identity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"volunteerhub/internal/model"
	"volunteerhub/internal/repo"
)

type memAccounts struct {
	byEmail map[string]*repo.Account
	created []*repo.Account
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byEmail: make(map[string]*repo.Account)}
}

func (m *memAccounts) CreateAccountTx(ctx context.Context, acc *repo.Account, fullName string) error {
	if _, ok := m.byEmail[acc.Email]; ok {
		return repo.ErrDuplicateEmail
	}
	m.byEmail[acc.Email] = acc
	m.created = append(m.created, acc)
	return nil
}

func (m *memAccounts) AccountByEmail(ctx context.Context, email string) (*repo.Account, error) {
	acc, ok := m.byEmail[email]
	if !ok {
		return nil, repo.ErrAccountNotFound
	}
	return acc, nil
}

type memIdentityChannel struct{}

func (memIdentityChannel) Close() error { return nil }

type memIdentityBroker struct {
	published [][]byte
	handler   func([]byte) error
}

func (b *memIdentityBroker) Publish(routingKey string, message []byte) error {
	b.published = append(b.published, message)
	return nil
}

func (b *memIdentityBroker) Subscribe(name string, routingKeys []string, handler func([]byte) error) (Channel, error) {
	b.handler = handler
	return memIdentityChannel{}, nil
}

func newTestProvider(t *testing.T) (*Provider, *memAccounts, *memIdentityBroker) {
	t.Helper()
	accounts := newMemAccounts()
	broker := &memIdentityBroker{}
	log := zerolog.Nop()
	p := NewProvider(accounts, broker, &log, Config{
		Secret:    "test-secret",
		TokenTTL:  time.Hour,
		TokenPath: filepath.Join(t.TempDir(), "token"),
	})
	return p, accounts, broker
}

func TestSignUpRejectsWeakPassword(t *testing.T) {
	p, accounts, _ := newTestProvider(t)

	_, err := p.SignUp(context.Background(), "a@example.com", "short", model.RoleVolunteer, "A")
	assert.ErrorIs(t, err, ErrWeakPassword)
	assert.Empty(t, accounts.created)
}

func TestSignUpRejectsUnknownRole(t *testing.T) {
	p, _, _ := newTestProvider(t)

	_, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.Role("admin"), "A")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestSignUpHashesPasswordAndAnnounces(t *testing.T) {
	p, accounts, broker := newTestProvider(t)

	ident, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.RoleOrganization, "A")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOrganization, ident.Role)

	require.Len(t, accounts.created, 1)
	assert.NotEqual(t, "secret123", accounts.created[0].PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(accounts.created[0].PasswordHash), []byte("secret123")))

	require.Len(t, broker.published, 1)
	var ev model.IdentityEvent
	require.NoError(t, json.Unmarshal(broker.published[0], &ev))
	require.NotNil(t, ev.Identity)
	assert.Equal(t, ident.ID, ev.Identity.ID)
	assert.Positive(t, ev.Seq)
}

func TestSignInWrongPassword(t *testing.T) {
	p, _, _ := newTestProvider(t)
	_, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.RoleVolunteer, "A")
	require.NoError(t, err)

	_, err = p.SignInWithPassword(context.Background(), "a@example.com", "not-it-at-all")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignInUnknownEmailLooksLikeBadPassword(t *testing.T) {
	p, _, _ := newTestProvider(t)

	_, err := p.SignInWithPassword(context.Background(), "nobody@example.com", "secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionSurvivesRestart(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ident, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.RoleVolunteer, "A")
	require.NoError(t, err)

	restored, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, ident.ID, restored.ID)
	assert.Equal(t, "a@example.com", restored.Email)
	assert.Equal(t, model.RoleVolunteer, restored.Role)
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ident, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.RoleOrganization, "A")
	require.NoError(t, err)

	raw, err := os.ReadFile(p.cfg.TokenPath)
	require.NoError(t, err)

	got, err := p.VerifyToken(string(raw))
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)
	assert.Equal(t, model.RoleOrganization, got.Role)

	_, err = p.VerifyToken("not-a-jwt")
	assert.Error(t, err)
}

func TestGetSessionWithoutTokenIsAbsentNotError(t *testing.T) {
	p, _, _ := newTestProvider(t)

	ident, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ident)
}

func TestExpiredTokenTreatedAsAbsent(t *testing.T) {
	p, _, _ := newTestProvider(t)
	p.cfg.TokenTTL = -time.Minute
	_, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.RoleVolunteer, "A")
	require.NoError(t, err)

	ident, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ident)
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	p, _, _ := newTestProvider(t)
	_, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.RoleVolunteer, "A")
	require.NoError(t, err)

	p.cfg.Secret = "rotated"
	ident, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ident)
}

func TestSignOutDropsTokenAndAnnounces(t *testing.T) {
	p, _, broker := newTestProvider(t)
	_, err := p.SignUp(context.Background(), "a@example.com", "secret123", model.RoleVolunteer, "A")
	require.NoError(t, err)

	require.NoError(t, p.SignOut(context.Background()))

	ident, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ident)

	require.Len(t, broker.published, 2)
	var ev model.IdentityEvent
	require.NoError(t, json.Unmarshal(broker.published[1], &ev))
	assert.Nil(t, ev.Identity)
}

func TestSignOutIdempotentWithoutToken(t *testing.T) {
	p, _, _ := newTestProvider(t)
	assert.NoError(t, p.SignOut(context.Background()))
}

func TestRemoteIdentityEventsReachTheStream(t *testing.T) {
	p, _, broker := newTestProvider(t)
	require.NoError(t, p.Start())

	ev := model.IdentityEvent{Seq: 42, Identity: &model.Identity{ID: "remote", Role: model.RoleVolunteer}}
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, broker.handler(body))

	select {
	case got := <-p.Events():
		assert.Equal(t, int64(42), got.Seq)
		require.NotNil(t, got.Identity)
		assert.Equal(t, "remote", got.Identity.ID)
	case <-time.After(time.Second):
		t.Fatal("identity event not delivered")
	}
}

func TestFullEventBufferShedsOldestNotNewest(t *testing.T) {
	p, _, broker := newTestProvider(t)
	require.NoError(t, p.Start())

	for i := 1; i <= 17; i++ {
		body, err := json.Marshal(model.IdentityEvent{Seq: int64(i)})
		require.NoError(t, err)
		require.NoError(t, broker.handler(body))
	}

	var seqs []int64
	drained := false
	for !drained {
		select {
		case ev := <-p.Events():
			seqs = append(seqs, ev.Seq)
		default:
			drained = true
		}
	}

	require.Len(t, seqs, 16)
	assert.Equal(t, int64(2), seqs[0], "the oldest event gives way")
	assert.Equal(t, int64(17), seqs[len(seqs)-1], "the newest auth state must land")
}

func TestMalformedIdentityEventDropped(t *testing.T) {
	p, _, broker := newTestProvider(t)
	require.NoError(t, p.Start())

	require.NoError(t, broker.handler([]byte("{broken")))
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
