// Package hierarchy defines the entity and materialized-path types shared by
// the store, cache, and refresh packages.
package hierarchy

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates path segments. Segments never contain it.
const Delimiter = "."

var ErrInvalidPath = errors.New("invalid hierarchy path")

// Path is a materialized path from the hierarchy root to a node, segments
// joined by Delimiter, e.g. "world.europe.ukraine.kyiv".
type Path string

func ParsePath(s string) (Path, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for i, seg := range strings.Split(s, Delimiter) {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment at index %d in %q", ErrInvalidPath, i, s)
		}
		if strings.TrimSpace(seg) != seg {
			return "", fmt.Errorf("%w: segment %q has surrounding whitespace", ErrInvalidPath, seg)
		}
	}
	return Path(s), nil
}

// MustParsePath is for fixtures and tests.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return string(p) }

func (p Path) Validate() error {
	_, err := ParsePath(string(p))
	return err
}

func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), Delimiter)
}

// Depth is the number of segments. Root nodes have depth 1.
func (p Path) Depth() int {
	if p == "" {
		return 0
	}
	return strings.Count(string(p), Delimiter) + 1
}

// Leaf returns the final segment.
func (p Path) Leaf() string {
	if i := strings.LastIndex(string(p), Delimiter); i >= 0 {
		return string(p)[i+1:]
	}
	return string(p)
}

// Parent returns the path with the final segment removed. The second return
// is false for root nodes.
func (p Path) Parent() (Path, bool) {
	i := strings.LastIndex(string(p), Delimiter)
	if i < 0 {
		return "", false
	}
	return p[:i], true
}

// Child appends one segment, validating the result.
func (p Path) Child(segment string) (Path, error) {
	if strings.Contains(segment, Delimiter) {
		return "", fmt.Errorf("%w: segment %q contains delimiter", ErrInvalidPath, segment)
	}
	return ParsePath(string(p) + Delimiter + segment)
}

// Ancestors returns every proper prefix of p, ordered root-first. A root
// path has no ancestors.
func (p Path) Ancestors() []Path {
	s := string(p)
	var out []Path
	for i := 0; i < len(s); i++ {
		if s[i] == Delimiter[0] {
			out = append(out, Path(s[:i]))
		}
	}
	return out
}

// IsAncestorOf reports whether p is a proper prefix of other along segment
// boundaries.
func (p Path) IsAncestorOf(other Path) bool {
	return strings.HasPrefix(string(other), string(p)+Delimiter)
}

func (p Path) IsDescendantOf(other Path) bool {
	return other.IsAncestorOf(p)
}
