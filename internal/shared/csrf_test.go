package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFTokenLifecycle(t *testing.T) {
	m := NewCSRFManager("csrf-secret")
	ctx := context.Background()
	sess := &Session{ID: "sess-1", values: map[string]string{}}

	token, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// EnsureToken is stable for the lifetime of the session.
	again, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	assert.NoError(t, m.VerifyToken(ctx, sess, token))
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, "forged"), ErrCSRFTokenMismatch)
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, ""), ErrCSRFTokenMissing)
}

func TestCSRFVerifyWithoutToken(t *testing.T) {
	m := NewCSRFManager("csrf-secret")
	ctx := context.Background()

	assert.ErrorIs(t, m.VerifyToken(ctx, nil, "anything"), ErrCSRFTokenMissing)

	sess := &Session{ID: "sess-1", values: map[string]string{}}
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, "anything"), ErrCSRFTokenMissing)
}
