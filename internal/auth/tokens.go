// Package auth implements API-token generation and validation, encrypted
// email confirmation tokens, bearer extraction, and the PKCE challenge
// check. Validation failures are uniformly InvalidToken; nothing here leaks
// which check failed.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/ayedb/ayb/internal/types"
)

const tokenPrefix = "ayb"

// argon2id parameters for hashing token secrets.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// TokenScope restricts a minted token to one database at one level.
type TokenScope struct {
	DatabaseID int64
	Level      types.QueryPermissionLevel
	AppName    string
}

// GenerateAPIToken mints a token string `ayb_<short>_<secret>` plus the
// record to persist. The secret appears only in the returned plaintext;
// the record stores its argon2id hash.
func GenerateAPIToken(entityID int64, scope *TokenScope, expiresAt *time.Time) (string, *types.APIToken, error) {
	short := make([]byte, 6)
	secret := make([]byte, 32)
	if _, err := rand.Read(short); err != nil {
		return "", nil, types.Errorf(types.KindOther, "generating token: %v", err)
	}
	if _, err := rand.Read(secret); err != nil {
		return "", nil, types.Errorf(types.KindOther, "generating token: %v", err)
	}

	shortHex := hex.EncodeToString(short)
	secretHex := hex.EncodeToString(secret)

	token := &types.APIToken{
		EntityID:   entityID,
		ShortToken: shortHex,
		Hash:       hashSecret(secretHex),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	if scope != nil {
		dbID := scope.DatabaseID
		level := scope.Level
		token.DatabaseID = &dbID
		token.QueryPermissionLevel = &level
		if scope.AppName != "" {
			app := scope.AppName
			token.AppName = &app
		}
	}
	plaintext := fmt.Sprintf("%s_%s_%s", tokenPrefix, shortHex, secretHex)
	return plaintext, token, nil
}

// ParseAPIToken splits a presented token into its short and secret parts.
func ParseAPIToken(raw string) (short, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "_", 3)
	if len(parts) != 3 || parts[0] != tokenPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", types.InvalidToken()
	}
	return parts[1], parts[2], nil
}

// hashSecret derives the stored hash: argon2id$<salt>$<key>, both base64.
func hashSecret(secret string) string {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		// rand.Read only fails when the OS entropy source is broken.
		panic(err)
	}
	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// verifySecret checks a presented secret against a stored hash in constant
// time with respect to the derived keys.
func verifySecret(secret, stored string) bool {
	parts := strings.SplitN(stored, "$", 3)
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ExtractBearer pulls the token out of an Authorization header value.
func ExtractBearer(header string) (string, error) {
	const scheme = "Bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", types.InvalidToken()
	}
	return strings.TrimSpace(header[len(scheme):]), nil
}
