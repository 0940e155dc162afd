package auth

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayedb/ayb/internal/store"
	"github.com/ayedb/ayb/internal/types"
)

// testFernetKey is a fixed 32-byte key, base64-encoded.
var testFernetKey = base64.StdEncoding.EncodeToString(make([]byte, 32))

func newTestAuth(t *testing.T, ttl time.Duration) (*Authenticator, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "meta.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	a, err := New(s, testFernetKey, ttl)
	require.NoError(t, err)
	return a, s
}

func TestNewRejectsBadFernetKey(t *testing.T) {
	s, err := store.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "meta.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	_, err = New(s, "not-a-key", time.Hour)
	require.Error(t, err)
	require.Equal(t, types.KindConfigurationError, types.KindOf(err))
}

func TestGenerateAndParseAPIToken(t *testing.T) {
	plaintext, token, err := GenerateAPIToken(7, nil, nil)
	require.NoError(t, err)
	require.Regexp(t, `^ayb_[0-9a-f]{12}_[0-9a-f]{64}$`, plaintext)
	require.Equal(t, int64(7), token.EntityID)
	require.False(t, token.Scoped())

	short, secret, err := ParseAPIToken(plaintext)
	require.NoError(t, err)
	require.Equal(t, token.ShortToken, short)
	require.True(t, verifySecret(secret, token.Hash))
	require.False(t, verifySecret("wrong", token.Hash))
}

func TestParseAPITokenRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "ayb", "ayb_", "ayb_short", "ayb_short_", "nope_a_b", "Bearer ayb_a_b extra"} {
		_, _, err := ParseAPIToken(raw)
		require.Error(t, err, "raw=%q", raw)
		require.Equal(t, types.KindInvalidToken, types.KindOf(err))
	}
}

func TestValidateAPIToken(t *testing.T) {
	ctx := context.Background()
	a, s := newTestAuth(t, time.Hour)
	e, err := s.CreateEntity(ctx, "marcua", types.EntityTypeUser)
	require.NoError(t, err)

	plaintext, token, err := GenerateAPIToken(e.ID, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateAPIToken(ctx, token))

	got, entity, err := a.ValidateAPIToken(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, token.ShortToken, got.ShortToken)
	require.Equal(t, "marcua", entity.Slug)

	// Revoked tokens fail closed.
	require.NoError(t, s.RevokeAPIToken(ctx, token.ShortToken))
	_, _, err = a.ValidateAPIToken(ctx, plaintext)
	require.Equal(t, types.KindInvalidToken, types.KindOf(err))
}

func TestValidateAPITokenExpiry(t *testing.T) {
	ctx := context.Background()
	a, s := newTestAuth(t, time.Hour)
	e, err := s.CreateEntity(ctx, "marcua", types.EntityTypeUser)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	plaintext, token, err := GenerateAPIToken(e.ID, nil, &past)
	require.NoError(t, err)
	require.NoError(t, s.CreateAPIToken(ctx, token))

	_, _, err = a.ValidateAPIToken(ctx, plaintext)
	require.Equal(t, types.KindInvalidToken, types.KindOf(err))
}

func TestScopedTokenCarriesScope(t *testing.T) {
	_, token, err := GenerateAPIToken(7, &TokenScope{DatabaseID: 3, Level: types.QueryReadOnly, AppName: "reporting"}, nil)
	require.NoError(t, err)
	require.True(t, token.Scoped())
	require.Equal(t, int64(3), *token.DatabaseID)
	require.Equal(t, types.QueryReadOnly, *token.QueryPermissionLevel)
	require.Equal(t, "reporting", *token.AppName)
}

func TestConfirmationTokenRoundTrip(t *testing.T) {
	a, _ := newTestAuth(t, time.Hour)

	token, err := a.CreateConfirmationToken("Marcua", types.EntityTypeUser, "Adam@Example.ORG")
	require.NoError(t, err)

	claims, err := a.DecryptConfirmationToken(token)
	require.NoError(t, err)
	require.Equal(t, 1, claims.Version)
	require.Equal(t, "marcua", claims.EntitySlug)
	require.Equal(t, types.EntityTypeUser, claims.EntityType)
	require.Equal(t, "adam@example.org", claims.EmailAddress)
}

func TestConfirmationTokenFailsClosed(t *testing.T) {
	a, _ := newTestAuth(t, time.Hour)

	_, err := a.DecryptConfirmationToken("garbage")
	require.Equal(t, types.KindInvalidToken, types.KindOf(err))

	// TTL expiry.
	expired, _ := newTestAuth(t, time.Nanosecond)
	token, err := expired.CreateConfirmationToken("marcua", types.EntityTypeUser, "a@b.c")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = expired.DecryptConfirmationToken(token)
	require.Equal(t, types.KindInvalidToken, types.KindOf(err))

	// Key mismatch.
	otherKey := base64.StdEncoding.EncodeToString(append(make([]byte, 31), 1))
	s, err := store.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "meta.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	other, err := New(s, otherKey, time.Hour)
	require.NoError(t, err)
	token, err = a.CreateConfirmationToken("marcua", types.EntityTypeUser, "a@b.c")
	require.NoError(t, err)
	_, err = other.DecryptConfirmationToken(token)
	require.Equal(t, types.KindInvalidToken, types.KindOf(err))
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	require.True(t, VerifyPKCE(verifier, ChallengeFromVerifier(verifier)))
	require.False(t, VerifyPKCE(verifier, ChallengeFromVerifier("some-other-verifier")))
	require.False(t, VerifyPKCE("other-verifier", ChallengeFromVerifier(verifier)))
	require.False(t, VerifyPKCE(verifier, ""))
}

func TestExtractBearer(t *testing.T) {
	token, err := ExtractBearer("Bearer ayb_a_b")
	require.NoError(t, err)
	require.Equal(t, "ayb_a_b", token)

	token, err = ExtractBearer("bearer ayb_a_b")
	require.NoError(t, err)
	require.Equal(t, "ayb_a_b", token)

	for _, header := range []string{"", "Bearer", "Bearer ", "Basic dXNlcg=="} {
		_, err := ExtractBearer(header)
		require.Error(t, err, "header=%q", header)
	}
}
