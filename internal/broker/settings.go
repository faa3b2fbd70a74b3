// =============================================================================
// SETTINGS REPOSITORY - ADDRESS-SETTINGS MATCHED BY NAME
// =============================================================================
//
// Address settings are configured per match, not per address, so one rule
// can cover addresses that do not exist yet. Matches are dot-separated
// words:
//
//   ┌────────────────┬──────────────────────────────────────────────────┐
//   │ Match          │ Matches                                          │
//   ├────────────────┼──────────────────────────────────────────────────┤
//   │ orders         │ exactly "orders"                                 │
//   │ orders.*       │ "orders.eu", not "orders" or "orders.eu.paris"   │
//   │ orders.#       │ "orders", "orders.eu", "orders.eu.paris"         │
//   │ #              │ everything                                       │
//   └────────────────┴──────────────────────────────────────────────────┘
//
// The most specific match wins: an exact name beats any wildcard, then the
// match with more literal words, then the one with fewer '#'. No rule
// matching means the defaults.
//
// =============================================================================

package broker

import (
	"sort"
	"strings"
	"sync"

	"addrbroker/internal/address"
)

const (
	wordDelimiter = "."
	anyWords      = "#"
	singleWord    = "*"
)

// SettingsRepository resolves address settings by address name.
type SettingsRepository struct {
	mu       sync.RWMutex
	defaults address.Settings
	rules    map[string]address.Settings
}

func NewSettingsRepository(defaults address.Settings) *SettingsRepository {
	return &SettingsRepository{
		defaults: defaults,
		rules:    make(map[string]address.Settings),
	}
}

// Set adds or replaces the settings of a match.
func (r *SettingsRepository) Set(match string, s address.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[match] = s
}

func (r *SettingsRepository) Remove(match string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, match)
}

// Replace swaps the defaults and every rule at once.
func (r *SettingsRepository) Replace(defaults address.Settings, rules map[string]address.Settings) {
	copied := make(map[string]address.Settings, len(rules))
	for match, s := range rules {
		copied[match] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = defaults
	r.rules = copied
}

func (r *SettingsRepository) Defaults() address.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Matches returns the configured matches, sorted.
func (r *SettingsRepository) Matches() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]string, 0, len(r.rules))
	for match := range r.rules {
		matches = append(matches, match)
	}
	sort.Strings(matches)
	return matches
}

// Match returns the settings of the most specific rule matching name.
func (r *SettingsRepository) Match(name string) address.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.rules[name]; ok {
		return s
	}

	var (
		best      string
		bestScore matchScore
		found     bool
	)
	for match := range r.rules {
		if !wildcardMatch(match, name) {
			continue
		}
		score := scoreMatch(match)
		if !found || score.moreSpecific(bestScore) || (score == bestScore && match < best) {
			best, bestScore, found = match, score, true
		}
	}
	if found {
		return r.rules[best]
	}
	return r.defaults
}

type matchScore struct {
	literals int
	anyWords int
}

func scoreMatch(match string) matchScore {
	var s matchScore
	for _, w := range strings.Split(match, wordDelimiter) {
		switch w {
		case anyWords:
			s.anyWords++
		case singleWord:
		default:
			s.literals++
		}
	}
	return s
}

func (s matchScore) moreSpecific(o matchScore) bool {
	if s.literals != o.literals {
		return s.literals > o.literals
	}
	return s.anyWords < o.anyWords
}

// wildcardMatch reports whether name matches the pattern.
func wildcardMatch(pattern, name string) bool {
	return matchWords(strings.Split(pattern, wordDelimiter), strings.Split(name, wordDelimiter))
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case anyWords:
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(rest, words[i:]) {
					return true
				}
			}
			return false
		case singleWord:
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || words[0] != pattern[0] {
				return false
			}
		}
		pattern, words = pattern[1:], words[1:]
	}
	return len(words) == 0
}
