package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/charitydesk/charitydesk/internal/shared"
)

// ResolutionStore is the read side of Repository used by the Resolver.
type ResolutionStore interface {
	ListAssignmentsByUser(ctx context.Context, userID uuid.UUID) ([]Assignment, error)
	ListRolePermissions(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error)
}

// Resolver computes effective permission sets.
type Resolver struct {
	store  ResolutionStore
	cache  PermissionCache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithCache enables caching of resolutions for at most ttl.
func WithCache(cache PermissionCache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = cache
		r.ttl = ttl
	}
}

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver constructs a Resolver. Without WithCache every call hits the store.
func NewResolver(store ResolutionStore, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective permissions of userID. Users without
// assignments resolve to an empty set. Store failures are returned and
// never produce a grant.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (Resolution, error) {
	now := r.now()
	var version int64
	if r.cacheEnabled() {
		cached, ver, ok, err := r.cache.Get(ctx, userID)
		switch {
		case err != nil:
			r.logger.Warn("permission cache read failed", slog.String("user_id", userID.String()), slog.Any("error", err))
		case ok && !cached.ExpiredAt(now):
			return cached, nil
		}
		version = ver
	}

	// Loads are shared only within one cache version: a caller that saw a
	// bump must not join a load that started before it.
	key := userID.String() + ":" + strconv.FormatInt(version, 10)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.load(ctx, userID, now)
	})
	var res Resolution
	select {
	case <-ctx.Done():
		return Resolution{}, fmt.Errorf("rbac: resolve: %w: %w", shared.ErrUnavailable, ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			return Resolution{}, out.Err
		}
		res = out.Val.(Resolution)
	}

	if r.cacheEnabled() && version > 0 {
		if err := r.cache.Put(ctx, version, res, r.entryTTL(res, now)); err != nil {
			r.logger.Warn("permission cache write failed", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
	}
	return res, nil
}

func (r *Resolver) load(ctx context.Context, userID uuid.UUID, now time.Time) (Resolution, error) {
	assignments, err := r.store.ListAssignmentsByUser(ctx, userID)
	if err != nil {
		return Resolution{}, storeFailure("list assignments", err)
	}
	return resolveAssignments(ctx, r.store, userID, assignments, now)
}

// resolveAssignments builds the resolution contributed by the assignments
// effective at now.
func resolveAssignments(ctx context.Context, store ResolutionStore, userID uuid.UUID, assignments []Assignment, now time.Time) (Resolution, error) {
	res := Resolution{
		UserID:      userID,
		Permissions: PermissionSet{},
		Roles:       []Role{},
		ResolvedAt:  now,
	}
	roleIDs := make([]uuid.UUID, 0, len(assignments))
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.EffectiveAt(now) {
			continue
		}
		if a.ExpiresAt != nil && (res.ValidUntil == nil || a.ExpiresAt.Before(*res.ValidUntil)) {
			expires := *a.ExpiresAt
			res.ValidUntil = &expires
		}
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		roleIDs = append(roleIDs, a.RoleID)
		role := a.Role
		role.ID = a.RoleID
		res.Roles = append(res.Roles, role)
	}
	if len(roleIDs) == 0 {
		return res, nil
	}

	perms, err := store.ListRolePermissions(ctx, roleIDs)
	if err != nil {
		return Resolution{}, storeFailure("list role permissions", err)
	}
	for _, roleID := range roleIDs {
		for _, p := range perms[roleID] {
			res.Permissions.Add(p.Name)
		}
	}
	return res, nil
}

func (r *Resolver) cacheEnabled() bool {
	return r.cache != nil && r.ttl > 0
}

// entryTTL bounds the cache lifetime by the earliest contributing expiry.
func (r *Resolver) entryTTL(res Resolution, now time.Time) time.Duration {
	ttl := r.ttl
	if res.ValidUntil != nil {
		if until := res.ValidUntil.Sub(now); until < ttl {
			ttl = until
		}
	}
	return ttl
}

func storeFailure(op string, err error) error {
	if errors.Is(err, shared.ErrUnavailable) {
		return fmt.Errorf("rbac: %s: %w", op, err)
	}
	return fmt.Errorf("rbac: %s: %w: %w", op, shared.ErrUnavailable, err)
}
