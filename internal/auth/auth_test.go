package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway-go/internal/config"
)

func TestStaticTokens_Authenticate(t *testing.T) {
	a := NewStaticTokens([]config.TokenConfig{
		{Token: "secret-1", Subject: "alice", Workspace: "team-a", Scopes: []string{"tools:call"}},
		{Token: "secret-2", Subject: "bob"},
	})

	id, err := a.Authenticate(context.Background(), "secret-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, "team-a", id.Workspace)
	assert.True(t, id.HasScope("tools:call"))
	assert.False(t, id.HasScope("admin"))

	_, err = a.Authenticate(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStaticTokens_Update(t *testing.T) {
	a := NewStaticTokens([]config.TokenConfig{{Token: "old", Subject: "alice"}})
	a.Update([]config.TokenConfig{{Token: "new", Subject: "alice"}})

	_, err := a.Authenticate(context.Background(), "old")
	assert.ErrorIs(t, err, ErrInvalidToken)

	id, err := a.Authenticate(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
}

func TestStaticTokens_CancelledContext(t *testing.T) {
	a := NewStaticTokens([]config.TokenConfig{{Token: "t", Subject: "s"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Authenticate(ctx, "t")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIdentity_HasScopeNil(t *testing.T) {
	var id *Identity
	assert.False(t, id.HasScope("x"))
}
