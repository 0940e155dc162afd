package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/ayedb/ayb/internal/store"
	"github.com/ayedb/ayb/internal/types"
)

// Authenticator validates API tokens against the metadata store and issues
// encrypted email confirmation tokens.
type Authenticator struct {
	store    store.Store
	keys     []*fernet.Key
	tokenTTL time.Duration
}

// New builds an authenticator. fernetKey is the base64 key from
// authentication.fernet_key; an invalid key is a fatal configuration error.
func New(s store.Store, fernetKey string, tokenTTL time.Duration) (*Authenticator, error) {
	key, err := fernet.DecodeKey(fernetKey)
	if err != nil {
		return nil, types.Errorf(types.KindConfigurationError, "invalid authentication.fernet_key: %v", err)
	}
	return &Authenticator{store: s, keys: []*fernet.Key{key}, tokenTTL: tokenTTL}, nil
}

// ValidateAPIToken resolves a presented `ayb_...` token to its record and
// owning entity. Every failure mode collapses to InvalidToken.
func (a *Authenticator) ValidateAPIToken(ctx context.Context, raw string) (*types.APIToken, *types.Entity, error) {
	short, secret, err := ParseAPIToken(raw)
	if err != nil {
		return nil, nil, err
	}
	token, err := a.store.GetAPIToken(ctx, short)
	if err != nil {
		return nil, nil, types.InvalidToken()
	}
	if !verifySecret(secret, token.Hash) {
		return nil, nil, types.InvalidToken()
	}
	if !token.Valid(time.Now()) {
		return nil, nil, types.InvalidToken()
	}
	entity, err := a.store.GetEntityByID(ctx, token.EntityID)
	if err != nil {
		return nil, nil, types.InvalidToken()
	}
	return token, entity, nil
}

// ConfirmationClaims is the payload carried by an email confirmation
// token.
type ConfirmationClaims struct {
	Version      int              `json:"version"`
	EntitySlug   string           `json:"entity"`
	EntityType   types.EntityType `json:"entity_type"`
	EmailAddress string           `json:"email_address"`
}

// CreateConfirmationToken encrypts the claims with the configured key.
func (a *Authenticator) CreateConfirmationToken(slug string, entityType types.EntityType, email string) (string, error) {
	claims := ConfirmationClaims{
		Version:      1,
		EntitySlug:   types.NormalizeSlug(slug),
		EntityType:   entityType,
		EmailAddress: types.NormalizeSlug(email),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", types.Errorf(types.KindOther, "encoding confirmation token: %v", err)
	}
	token, err := fernet.EncryptAndSign(payload, a.keys[0])
	if err != nil {
		return "", types.Errorf(types.KindOther, "encrypting confirmation token: %v", err)
	}
	return string(token), nil
}

// DecryptConfirmationToken fails closed: expiry, tampering, or a key
// mismatch all produce InvalidToken.
func (a *Authenticator) DecryptConfirmationToken(token string) (*ConfirmationClaims, error) {
	payload := fernet.VerifyAndDecrypt([]byte(token), a.tokenTTL, a.keys)
	if payload == nil {
		return nil, types.InvalidToken()
	}
	var claims ConfirmationClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, types.InvalidToken()
	}
	return &claims, nil
}
