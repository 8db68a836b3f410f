package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Enabled(t *testing.T) {
	assert.False(t, NewService("").Enabled())
	assert.True(t, NewService("subscriber-secret").Enabled())
}

func TestService_IssueAndValidate(t *testing.T) {
	svc := NewService("subscriber-secret")

	token, err := svc.IssueToken("market-maker-7", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "market-maker-7", subject)
}

func TestService_ValidateToken_Expired(t *testing.T) {
	svc := NewService("subscriber-secret")

	token, err := svc.IssueToken("market-maker-7", -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestService_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewService("secret-a").IssueToken("market-maker-7", time.Hour)
	require.NoError(t, err)

	_, err = NewService("secret-b").ValidateToken(token)
	assert.Error(t, err)
}

func TestService_ValidateToken_Garbage(t *testing.T) {
	_, err := NewService("subscriber-secret").ValidateToken("not.a.token")
	assert.Error(t, err)
}
