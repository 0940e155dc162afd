package types

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := Errorf(KindNoAccess, "denied")
	wrapped := fmt.Errorf("executing query: %w", base)
	require.Equal(t, KindNoAccess, KindOf(wrapped))
	require.Equal(t, KindOther, KindOf(fmt.Errorf("plain")))
	require.Equal(t, KindOther, KindOf(nil))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{KindEntityExists, http.StatusConflict},
		{KindDatabaseExists, http.StatusConflict},
		{KindRecordNotFound, http.StatusNotFound},
		{KindSnapshotDoesNotExist, http.StatusNotFound},
		{KindInvalidToken, http.StatusUnauthorized},
		{KindNoAccess, http.StatusForbidden},
		{KindQueryError, http.StatusBadRequest},
		{KindReadOnlyViolation, http.StatusBadRequest},
		{KindCantSetOwnerPermission, http.StatusBadRequest},
		{KindStorageError, http.StatusInternalServerError},
		{KindConfigurationError, http.StatusInternalServerError},
		{KindDaemonCrashed, http.StatusInternalServerError},
		{ErrorKind("unknown"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, HTTPStatus(tc.kind), "kind=%s", tc.kind)
	}
}

func TestQueryPermissionLevelMin(t *testing.T) {
	require.Equal(t, QueryReadOnly, QueryReadOnly.Min(QueryReadWrite))
	require.Equal(t, QueryReadOnly, QueryReadWrite.Min(QueryReadOnly))
	require.Equal(t, QueryReadWrite, QueryReadWrite.Min(QueryReadWrite))
	require.Equal(t, QueryReadOnly, QueryReadOnly.Min(QueryReadOnly))
}

func TestQueryPermissionLevelMode(t *testing.T) {
	require.Equal(t, QueryModeReadOnly, QueryReadOnly.Mode())
	require.Equal(t, QueryModeReadWrite, QueryReadWrite.Mode())
}

func TestParsersFoldCase(t *testing.T) {
	lvl, err := ParseQueryPermissionLevel("Read-Only")
	require.NoError(t, err)
	require.Equal(t, QueryReadOnly, lvl)

	_, err = ParseQueryPermissionLevel("admin")
	require.Error(t, err)

	et, err := ParseEntityType("User")
	require.NoError(t, err)
	require.Equal(t, EntityTypeUser, et)
}

func TestAPITokenValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.True(t, (&APIToken{}).Valid(now))
	require.True(t, (&APIToken{ExpiresAt: &future}).Valid(now))
	require.False(t, (&APIToken{ExpiresAt: &past}).Valid(now))
	require.False(t, (&APIToken{ExpiresAt: &now}).Valid(now))
	require.False(t, (&APIToken{RevokedAt: &past}).Valid(now))
}

func TestAPITokenScoped(t *testing.T) {
	db := int64(3)
	lvl := QueryReadOnly
	require.False(t, (&APIToken{}).Scoped())
	require.False(t, (&APIToken{DatabaseID: &db}).Scoped())
	require.True(t, (&APIToken{DatabaseID: &db, QueryPermissionLevel: &lvl}).Scoped())
}

func TestNormalizeSlug(t *testing.T) {
	require.Equal(t, "marcua", NormalizeSlug("  MarcUA "))
	require.Equal(t, "crm.sqlite", NormalizeSlug("CRM.sqlite"))
}
