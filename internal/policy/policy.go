// Package policy holds the origin and target allow-lists established at startup.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidList is returned when a list setting is present but is not a JSON array of strings.
var ErrInvalidList = errors.New("not a JSON array of strings")

// Store is the immutable allow-list pair. An empty list means no restriction.
// It is never mutated after New, so concurrent reads need no locking.
type Store struct {
	origins  map[string]struct{}
	patterns []*regexp.Regexp
}

// ParseList decodes a raw JSON array of strings. An empty input means the
// setting is absent and yields a nil slice.
func ParseList(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidList, err)
	}
	// JSON null decodes cleanly into a nil slice but is not an array.
	if list == nil {
		return nil, fmt.Errorf("%w: got null", ErrInvalidList)
	}
	return list, nil
}

// New compiles the target patterns in order and indexes the origins.
func New(origins, patterns []string) (*Store, error) {
	s := &Store{
		origins:  make(map[string]struct{}, len(origins)),
		patterns: make([]*regexp.Regexp, 0, len(patterns)),
	}
	for _, o := range origins {
		s.origins[o] = struct{}{}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allowed targets: compile %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// AllowsOrigin reports whether origin matches an allowed origin exactly.
func (s *Store) AllowsOrigin(origin string) bool {
	if len(s.origins) == 0 {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

// AllowsTarget reports whether any pattern matches somewhere in target.
func (s *Store) AllowsTarget(target string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}

// Origins returns the allowed origins, sorted.
func (s *Store) Origins() []string {
	out := make([]string, 0, len(s.origins))
	for o := range s.origins {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// Patterns returns the target patterns in configured order.
func (s *Store) Patterns() []string {
	out := make([]string, len(s.patterns))
	for i, re := range s.patterns {
		out[i] = re.String()
	}
	return out
}
