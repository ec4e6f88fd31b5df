package hierarchy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("entity not found")

// Entity is one node in the hierarchy. Confidence is the extraction
// confidence assigned at ingestion, in [0, 1].
type Entity struct {
	ID         uuid.UUID         `json:"id"`
	Path       Path              `json:"path"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Confidence float64           `json:"confidence"`
	Location   *Coordinate       `json:"location,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (e Entity) Depth() int { return e.Path.Depth() }

func (e Entity) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("entity id must be set")
	}
	if err := e.Path.Validate(); err != nil {
		return err
	}
	if e.Name == "" {
		return errors.New("entity name must be set")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %f outside [0, 1]", e.Confidence)
	}
	return nil
}

// Ancestry is the derived lineage record for one entity, as materialized by
// the ancestry projection. Lineage is ordered root-first and includes the
// entity itself as the final element.
type Ancestry struct {
	EntityID        uuid.UUID `json:"entity_id"`
	Path            Path      `json:"path"`
	Depth           int       `json:"depth"`
	Lineage         []Entity  `json:"lineage"`
	DescendantCount int64     `json:"descendant_count"`
}

// AncestorsOnly returns the lineage without the entity itself, ordered
// root-first. Empty for root entities.
func (a Ancestry) AncestorsOnly() []Entity {
	if len(a.Lineage) <= 1 {
		return nil
	}
	return a.Lineage[:len(a.Lineage)-1]
}

// Self returns the entity's own record from the lineage.
func (a Ancestry) Self() (Entity, bool) {
	if len(a.Lineage) == 0 {
		return Entity{}, false
	}
	return a.Lineage[len(a.Lineage)-1], true
}

// DepthStats is one row of the hierarchy statistics projection.
type DepthStats struct {
	Depth          int     `json:"depth"`
	EntityCount    int64   `json:"entity_count"`
	MeanConfidence float64 `json:"mean_confidence"`
	MinConfidence  float64 `json:"min_confidence"`
	MaxConfidence  float64 `json:"max_confidence"`
}
