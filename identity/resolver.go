// Package identity turns user ids into display profiles for rendering.
package identity

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/errors"
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultTTL      = 5 * time.Minute
	defaultCapacity = 10_000
)

// Resolver caches profiles read from a ProfileSource.
// Unknown users resolve to an anonymous profile that is never cached,
// so a profile created later shows up on the next lookup.
type Resolver struct {
	source contract.ProfileSource
	cache  *ristretto.Cache[string, domain.Profile]
	ttl    time.Duration
	log    *slog.Logger
}

func NewResolver(source contract.ProfileSource, log *slog.Logger, ttl time.Duration) (*Resolver, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, domain.Profile]{
		NumCounters: defaultCapacity * 10,
		MaxCost:     defaultCapacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{source: source, cache: cache, ttl: ttl, log: log}, nil
}

// Resolve returns the profile of a user, falling back to an anonymous one
// when the source does not know the user. Transient failures are returned.
func (r *Resolver) Resolve(ctx context.Context, userID string) (domain.Profile, error) {
	if profile, ok := r.cache.Get(userID); ok {
		return profile, nil
	}
	profile, err := r.source.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		r.log.Debug("Unknown profile, rendering anonymous", "user_id", userID)
		return domain.AnonymousProfile(userID), nil
	case err != nil:
		return domain.Profile{}, err
	}
	r.cache.SetWithTTL(userID, profile, 1, r.ttl)
	r.cache.Wait()
	return profile, nil
}

// ResolveMany resolves distinct ids once each.
func (r *Resolver) ResolveMany(ctx context.Context, userIDs []string) (map[string]domain.Profile, error) {
	profiles := make(map[string]domain.Profile, len(userIDs))
	for _, id := range userIDs {
		if _, ok := profiles[id]; ok {
			continue
		}
		profile, err := r.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		profiles[id] = profile
	}
	return profiles, nil
}

// Invalidate drops a cached profile after it changed.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Del(userID)
}

func (r *Resolver) Close() {
	r.cache.Close()
}
