package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
)

// SharedCache is the L2 tier: a byte-valued cache visible to every process
// serving the same dataset. Entries carry an explicit TTL. A miss is
// (nil, false, nil); errors mean the tier is unreachable, not that the key
// is absent.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Healthy(ctx context.Context) error
	Close() error
}

// Invalidation kinds carried on the fan-out channel.
const (
	InvalidationEntity     = "entity"
	InvalidationNamespaces = "namespaces"
)

// Invalidation is the fan-out message published when a process invalidates
// cached resolutions. Origin carries the publisher's instance id so it can
// skip its own messages; local coherence is handled synchronously before
// publishing.
type Invalidation struct {
	Origin     string         `json:"origin"`
	Kind       string         `json:"kind"`
	EntityID   uuid.UUID      `json:"entity_id,omitempty"`
	Path       hierarchy.Path `json:"path,omitempty"`
	Namespaces []string       `json:"namespaces,omitempty"`
}

// InvalidationBus fans invalidations out to sibling processes. Delivery is
// best effort: a dropped message widens a staleness window that the next
// projection refresh closes anyway.
type InvalidationBus interface {
	Publish(ctx context.Context, inv Invalidation) error

	// Subscribe delivers invalidations to handler until ctx is done.
	Subscribe(ctx context.Context, handler func(Invalidation)) error
}
