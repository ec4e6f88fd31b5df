package store

import (
	"testing"

	"github.com/meridianlabs/gazetteer/internal/hierarchy"
	"github.com/stretchr/testify/require"
)

func TestStore_MatchCriteria_Validate(t *testing.T) {
	t.Parallel()

	t.Run("requires at least one filter", func(t *testing.T) {
		t.Parallel()
		c := MatchCriteria{}
		require.ErrorIs(t, c.Validate(), ErrEmptyCriteria)
	})

	t.Run("applies and caps limit", func(t *testing.T) {
		t.Parallel()
		c := MatchCriteria{Name: "kyiv"}
		require.NoError(t, c.Validate())
		require.Equal(t, 50, c.Limit)

		c = MatchCriteria{Name: "kyiv", Limit: 10_000}
		require.NoError(t, c.Validate())
		require.Equal(t, 500, c.Limit)
	})

	t.Run("rejects malformed scope path", func(t *testing.T) {
		t.Parallel()
		c := MatchCriteria{WithinPath: "world..europe"}
		require.ErrorIs(t, c.Validate(), hierarchy.ErrInvalidPath)
	})
}

func TestStore_LexicalScorer(t *testing.T) {
	t.Parallel()

	scorer := LexicalScorer{}
	entity := func(name string, confidence float64) hierarchy.Entity {
		return hierarchy.Entity{Name: name, Confidence: confidence}
	}

	tests := []struct {
		name      string
		criteria  MatchCriteria
		candidate hierarchy.Entity
		want      float64
	}{
		{name: "exact match", criteria: MatchCriteria{Name: "Kyiv"}, candidate: entity("kyiv", 1), want: 1.0},
		{name: "prefix match", criteria: MatchCriteria{Name: "kyi"}, candidate: entity("Kyiv", 1), want: 0.85},
		{name: "substring match", criteria: MatchCriteria{Name: "yi"}, candidate: entity("Kyiv", 1), want: 0.7},
		{name: "weighted by confidence", criteria: MatchCriteria{Name: "kyiv"}, candidate: entity("Kyiv", 0.5), want: 0.5},
		{name: "no name criterion uses confidence", criteria: MatchCriteria{Kind: "city"}, candidate: entity("Kyiv", 0.8), want: 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.InDelta(t, tt.want, scorer.Score(tt.criteria, tt.candidate), 1e-9)
		})
	}
}

func TestStore_LikePrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, `world.europe.%`, likePrefix("world.europe"))
	require.Equal(t, `world.10\%\_zone.%`, likePrefix(`world.10%_zone`))
	require.Equal(t, `world.a\\b.%`, likePrefix(`world.a\b`))
}
