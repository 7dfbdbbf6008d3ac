package authprovider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memecaption/domain"
)

func TestReference_ValidateCredentialRoundTrip(t *testing.T) {
	p := NewReference("test-secret")
	token, err := p.IssueTestToken("alice", time.Hour)
	require.NoError(t, err)

	userID, err := p.ValidateCredential(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestReference_ValidateCredentialRejectsEmpty(t *testing.T) {
	p := NewReference("test-secret")
	_, err := p.ValidateCredential(context.Background(), "")
	assert.Error(t, err)
}

func TestReference_ValidateCredentialRejectsGarbage(t *testing.T) {
	p := NewReference("test-secret")
	_, err := p.ValidateCredential(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}

func TestReference_ValidateCredentialRejectsExpired(t *testing.T) {
	p := NewReference("test-secret")
	token, err := p.IssueTestToken("alice", -time.Minute)
	require.NoError(t, err)

	_, err = p.ValidateCredential(context.Background(), token)
	assert.Error(t, err)
}

func TestReference_GetProfileNotFound(t *testing.T) {
	p := NewReference("test-secret")
	_, err := p.GetProfile(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestReference_GetProfileReturnsSeeded(t *testing.T) {
	p := NewReference("test-secret")
	p.SetProfile(domain.Profile{UserID: "alice", Nickname: "Alice", BirthDate: time.Now().AddDate(-20, 0, 0), Gender: "female"})

	profile, err := p.GetProfile(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, profile.Complete())
}
