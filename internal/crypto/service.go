package crypto

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ringforge/hub/internal/core"
)

// KeySource resolves the canonical live key a fleet's message keys derive
// from. Satisfied by directory.Directory.
type KeySource interface {
	CanonicalLiveKey(ctx context.Context, fleetID string) (string, error)
}

// Service caches derived fleet keys per process. Derivation is cheap but the
// cache keeps hot fleets off the directory; entries fall out after an hour
// idle (fleet counts are small, so memory is not a concern).
type Service struct {
	source KeySource
	cache  *gocache.Cache
}

// NewService builds a key service over the given source.
func NewService(source KeySource) *Service {
	return &Service{
		source: source,
		cache:  gocache.New(time.Hour, 10*time.Minute),
	}
}

// FleetKeys returns the fleet's derived keys, deriving and caching on miss.
// A missing live key yields no_fleet_keys.
func (s *Service) FleetKeys(ctx context.Context, fleetID string) (*Keys, error) {
	if v, ok := s.cache.Get(fleetID); ok {
		return v.(*Keys), nil
	}

	apiKey, err := s.source.CanonicalLiveKey(ctx, fleetID)
	if err != nil {
		return nil, &core.Outcome{
			Kind:   core.KindNoFleetKeys,
			Reason: "no live key for fleet",
			Detail: map[string]interface{}{"fleet_id": fleetID},
		}
	}

	keys := Derive(apiKey, fleetID)
	s.cache.SetDefault(fleetID, keys)
	return keys, nil
}

// Invalidate drops a fleet's cached keys, e.g. after key revocation.
func (s *Service) Invalidate(fleetID string) {
	s.cache.Delete(fleetID)
}
