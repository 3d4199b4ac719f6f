package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"aigateway/internal/config"
	"aigateway/internal/database"
	"aigateway/internal/model"
	"aigateway/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte(strings.Repeat("k", 32))

func newProjectService(t *testing.T, defaults ProjectDefaults) *ProjectService {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProjectService(repository.NewProjectRepository(db), testKey, defaults)
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	svc := newProjectService(t, ProjectDefaults{
		ProjectID:      "default",
		BaseURL:        "https://default.example/v1",
		APIKey:         "sk-default",
		FallbackModels: []string{"fallback-a"},
	})
	require.NoError(t, svc.SeedFromConfig(ctx, []config.ProjectConfig{
		{ID: "acme", Kind: "openai", BaseURL: "https://acme.example/v1/", APIKey: "sk-acme", FallbackModels: []string{"m1", "m2"}},
		{ID: "keyless", BaseURL: "https://keyless.example"},
	}))

	p, err := svc.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "sk-acme", p.APIKey)
	assert.Equal(t, "https://acme.example/v1", p.BaseURL)
	assert.Equal(t, []string{"m1", "m2"}, p.FallbackModels)

	p, err = svc.Resolve(ctx, "keyless")
	require.NoError(t, err)
	assert.Equal(t, "sk-default", p.APIKey, "falls back to the default key")
	assert.Equal(t, []string{"fallback-a"}, p.FallbackModels)

	p, err = svc.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "default", p.ID)
	assert.Equal(t, model.ProjectKindOpenAI, p.Kind)

	_, err = svc.Resolve(ctx, "ghost")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestResolveMissingCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newProjectService(t, ProjectDefaults{BaseURL: "https://default.example/v1"})
	require.NoError(t, svc.SeedFromConfig(ctx, []config.ProjectConfig{{ID: "bare"}}))

	_, err := svc.Resolve(ctx, "bare")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrProjectRequired)
}

func TestSeedRejectsUnknownKind(t *testing.T) {
	svc := newProjectService(t, ProjectDefaults{})
	err := svc.SeedFromConfig(context.Background(), []config.ProjectConfig{{ID: "x", Kind: "grpc"}})
	assert.Error(t, err)
}

func TestSeedWithoutEncryptionKey(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	svc := NewProjectService(repository.NewProjectRepository(db), nil, ProjectDefaults{})
	err = svc.SeedFromConfig(context.Background(), []config.ProjectConfig{{ID: "x", APIKey: "sk"}})
	assert.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTServiceWith("secret", "aigateway", "aigateway-api")
	token, err := svc.GenerateToken("u1", "pro", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "pro", claims.UserType)

	token, err = svc.GenerateToken("u2", "", time.Hour)
	require.NoError(t, err)
	claims, err = svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, DefaultUserType, claims.UserType)
}

func TestJWTRejections(t *testing.T) {
	svc := NewJWTServiceWith("secret", "aigateway", "aigateway-api")

	expired, err := svc.GenerateToken("u1", "pro", -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewJWTServiceWith("other", "aigateway", "aigateway-api").GenerateToken("u1", "pro", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongAud, err := NewJWTServiceWith("secret", "aigateway", "elsewhere").GenerateToken("u1", "pro", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(wrongAud)
	assert.ErrorIs(t, err, ErrInvalidAudience)

	wrongIss, err := NewJWTServiceWith("secret", "someone", "aigateway-api").GenerateToken("u1", "pro", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(wrongIss)
	assert.ErrorIs(t, err, ErrInvalidIssuer)

	_, err = svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
