package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
)

var ErrEmptyCriteria = errors.New("match criteria must set at least one filter")

const (
	defaultMatchLimit = 50
	maxMatchLimit     = 500
)

// MatchCriteria filters candidate entities. Name matches case-insensitive
// substrings, Kind matches exactly, Metadata matches by containment, and
// WithinPath restricts candidates to one subtree (inclusive).
type MatchCriteria struct {
	Name       string            `json:"name,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	WithinPath hierarchy.Path    `json:"within_path,omitempty"`

	// MinScore drops matches scored below it.
	MinScore float64 `json:"min_score,omitempty"`
	// Limit caps the result set; defaults to 50, capped at 500.
	Limit int `json:"limit,omitempty"`
}

func (c *MatchCriteria) Validate() error {
	if c.Name == "" && c.Kind == "" && len(c.Metadata) == 0 && c.WithinPath == "" {
		return ErrEmptyCriteria
	}
	if c.WithinPath != "" {
		if err := c.WithinPath.Validate(); err != nil {
			return err
		}
	}
	if c.Limit <= 0 {
		c.Limit = defaultMatchLimit
	}
	if c.Limit > maxMatchLimit {
		c.Limit = maxMatchLimit
	}
	return nil
}

// Match is one scored attribute-match result.
type Match struct {
	Entity hierarchy.Entity `json:"entity"`
	Score  float64          `json:"score"`
}

// Scorer assigns a confidence score in [0, 1] to a candidate that already
// passed the criteria filters.
type Scorer interface {
	Score(criteria MatchCriteria, candidate hierarchy.Entity) float64
}

// LexicalScorer scores by name-match strength weighted by the candidate's
// stored extraction confidence.
type LexicalScorer struct{}

func (LexicalScorer) Score(criteria MatchCriteria, candidate hierarchy.Entity) float64 {
	if criteria.Name == "" {
		return candidate.Confidence
	}
	name := strings.ToLower(candidate.Name)
	query := strings.ToLower(criteria.Name)

	var strength float64
	switch {
	case name == query:
		strength = 1.0
	case strings.HasPrefix(name, query):
		strength = 0.85
	case strings.Contains(name, query):
		strength = 0.7
	}
	return strength * candidate.Confidence
}

// FindByAttributeMatch returns scored matches ordered by descending score,
// ties broken by path. Criteria matching nothing yields an empty slice.
func (s *Store) FindByAttributeMatch(ctx context.Context, criteria MatchCriteria) ([]Match, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	conds := []string{"deleted_at IS NULL"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if criteria.Name != "" {
		conds = append(conds, fmt.Sprintf("strpos(lower(name), lower(%s)) > 0", arg(criteria.Name)))
	}
	if criteria.Kind != "" {
		conds = append(conds, fmt.Sprintf("kind = %s", arg(criteria.Kind)))
	}
	if len(criteria.Metadata) > 0 {
		b, err := json.Marshal(criteria.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata criteria: %w", err)
		}
		conds = append(conds, fmt.Sprintf("metadata @> %s::jsonb", arg(string(b))))
	}
	if criteria.WithinPath != "" {
		conds = append(conds, fmt.Sprintf(`(path = %s OR path LIKE %s ESCAPE '\')`,
			arg(criteria.WithinPath.String()), arg(likePrefix(criteria.WithinPath))))
	}

	// Scoring runs over a capped candidate window.
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY path LIMIT ` + arg(maxMatchLimit)

	var candidates []hierarchy.Entity
	err := s.pool.Retry(ctx, "find_by_attribute_match", func(ctx context.Context) error {
		return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
			rows, err := conn.Query(ctx, query, args...)
			if err != nil {
				return err
			}
			candidates, err = scanEntities(rows)
			return err
		})
	})
	observeQuery("find_by_attribute_match", err)
	if err != nil {
		return nil, fmt.Errorf("find by attribute match: %w", err)
	}

	matches := make([]Match, 0, len(candidates))
	for _, e := range candidates {
		score := s.cfg.Scorer.Score(criteria, e)
		if score < criteria.MinScore {
			continue
		}
		matches = append(matches, Match{Entity: e, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entity.Path < matches[j].Entity.Path
	})
	if len(matches) > criteria.Limit {
		matches = matches[:criteria.Limit]
	}
	return matches, nil
}
