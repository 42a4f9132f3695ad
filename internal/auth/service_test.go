package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rruiz22/mda-authz/internal/shared"
)

type mockRepo struct {
	principals map[string]*Principal
	sessions   map[string]int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		principals: make(map[string]*Principal),
		sessions:   make(map[string]int64),
	}
}

func (m *mockRepo) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	p, ok := m.principals[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) CreateSession(ctx context.Context, id string, principalID int64, expiresAt time.Time, ip, ua string) error {
	m.sessions[id] = principalID
	return nil
}

func (m *mockRepo) DeleteSession(ctx context.Context, id string) error {
	delete(m.sessions, id)
	return nil
}

func addPrincipal(t *testing.T, repo *mockRepo, email, password string, active bool) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	repo.principals[email] = &Principal{
		ID:           1,
		Email:        email,
		PasswordHash: string(hash),
		IsActive:     active,
	}
}

func TestAuthenticate(t *testing.T) {
	repo := newMockRepo()
	addPrincipal(t, repo, "manager@mda.local", "secret", true)
	svc := NewService(repo)
	ctx := context.Background()

	p, err := svc.Authenticate(ctx, "manager@mda.local", "secret")
	require.NoError(t, err)
	assert.Equal(t, "manager@mda.local", p.Email)

	_, err = svc.Authenticate(ctx, "manager@mda.local", "wrong")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@mda.local", "secret")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateInactivePrincipal(t *testing.T) {
	repo := newMockRepo()
	addPrincipal(t, repo, "former@mda.local", "secret", false)
	svc := NewService(repo)

	_, err := svc.Authenticate(context.Background(), "former@mda.local", "secret")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestSessionLifecycle(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	require.NoError(t, svc.RegisterSession(ctx, "sess-1", 7, time.Now().Add(time.Hour), "10.0.0.1", "ua"))
	assert.Equal(t, int64(7), repo.sessions["sess-1"])

	require.NoError(t, svc.RemoveSession(ctx, "sess-1"))
	assert.NotContains(t, repo.sessions, "sess-1")
}
