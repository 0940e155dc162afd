// Package permissions holds the pure access-control predicates. Everything
// here is a function of the caller, the database, an optional token scope,
// and the stored grants; no I/O beyond the store lookups the caller wires.
package permissions

import (
	"context"

	"github.com/ayedb/ayb/internal/store"
	"github.com/ayedb/ayb/internal/types"
)

// CanCreateDatabase: only an entity can create databases under itself.
func CanCreateDatabase(caller *types.Entity, target *types.Entity) bool {
	return caller.ID == target.ID
}

// CanManageDatabase: owner, or holder of a manager grant.
func CanManageDatabase(ctx context.Context, s store.Store, caller *types.Entity, db *types.Database) (bool, error) {
	if caller.ID == db.EntityID {
		return true, nil
	}
	perm, err := s.GetEntityDatabasePermission(ctx, caller.ID, db.ID)
	if err != nil {
		if types.KindOf(err) == types.KindRecordNotFound {
			return false, nil
		}
		return false, err
	}
	return perm.SharingLevel == types.SharingManager, nil
}

// CanDiscoverDatabase: manageable, any grant, or a public sharing level
// other than no-access.
func CanDiscoverDatabase(ctx context.Context, s store.Store, caller *types.Entity, db *types.Database) (bool, error) {
	manage, err := CanManageDatabase(ctx, s, caller, db)
	if err != nil {
		return false, err
	}
	if manage {
		return true, nil
	}
	if db.PublicSharingLevel != types.PublicNoAccess {
		return true, nil
	}
	_, err = s.GetEntityDatabasePermission(ctx, caller.ID, db.ID)
	if err != nil {
		if types.KindOf(err) == types.KindRecordNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CanManageSnapshots follows database management.
func CanManageSnapshots(ctx context.Context, s store.Store, caller *types.Entity, db *types.Database) (bool, error) {
	return CanManageDatabase(ctx, s, caller, db)
}

// HighestQueryAccessLevel computes the effective level for a query: the
// base level from ownership, grants, and public sharing, capped by the
// token's scope when the token is scoped. A scoped token for a different
// database grants nothing. Returns nil for no access.
func HighestQueryAccessLevel(ctx context.Context, s store.Store, caller *types.Entity, db *types.Database, token *types.APIToken) (*types.QueryPermissionLevel, error) {
	base, err := baseLevel(ctx, s, caller, db)
	if err != nil || base == nil {
		return nil, err
	}
	if token != nil && token.Scoped() {
		if *token.DatabaseID != db.ID {
			return nil, nil
		}
		capped := base.Min(*token.QueryPermissionLevel)
		return &capped, nil
	}
	return base, nil
}

func baseLevel(ctx context.Context, s store.Store, caller *types.Entity, db *types.Database) (*types.QueryPermissionLevel, error) {
	if caller.ID == db.EntityID {
		return levelPtr(types.QueryReadWrite), nil
	}

	var best *types.QueryPermissionLevel
	perm, err := s.GetEntityDatabasePermission(ctx, caller.ID, db.ID)
	if err != nil && types.KindOf(err) != types.KindRecordNotFound {
		return nil, err
	}
	if err == nil {
		switch perm.SharingLevel {
		case types.SharingReadOnly:
			best = levelPtr(types.QueryReadOnly)
		case types.SharingReadWrite, types.SharingManager:
			best = levelPtr(types.QueryReadWrite)
		}
	}

	if best == nil && db.PublicSharingLevel == types.PublicReadOnly {
		best = levelPtr(types.QueryReadOnly)
	}
	return best, nil
}

func levelPtr(l types.QueryPermissionLevel) *types.QueryPermissionLevel {
	return &l
}
