// Package speaker resolves raw participant identities to the people in the
// patient's roster.
//
// Frame sources only know what the transport reports: a LiveKit identity
// such as "sarah-phone", a Discord username, or whatever a WebSocket client
// sent. A [Roster] maps these to a configured [Person] so stored
// conversations read "Sarah (daughter)" instead of an opaque handle.
//
// Matching works token by token. The identity is lower-cased and split on
// anything that is not a letter. Each token is compared against every name
// and alias of every person:
//
//  1. An exact token match wins outright.
//  2. Otherwise Double Metaphone codes are compared; when they overlap the
//     Jaro-Winkler similarity must reach the phonetic threshold.
//  3. Without a phonetic overlap the Jaro-Winkler similarity must reach the
//     higher fuzzy threshold.
//
// Unresolved identities pass through unchanged.
package speaker

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90
)

// Person is one entry of the patient's roster.
type Person struct {
	Name         string   `yaml:"name"`
	Relationship string   `yaml:"relationship"`
	Aliases      []string `yaml:"aliases"`
}

// Label is how the person is referred to in stored records and prompts:
// "Sarah (daughter)", or just the name when no relationship is known.
func (p Person) Label() string {
	if p.Relationship == "" {
		return p.Name
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Relationship)
}

// Option configures a [Roster].
type Option func(*Roster)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score accepted when
// the Double Metaphone codes overlap. Default: 0.80.
func WithPhoneticThreshold(v float64) Option {
	return func(r *Roster) { r.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score accepted without a
// phonetic overlap. Default: 0.90.
func WithFuzzyThreshold(v float64) Option {
	return func(r *Roster) { r.fuzzyThreshold = v }
}

// Roster is the set of known people. Safe for concurrent use; [Roster.Replace]
// swaps the whole set at once.
type Roster struct {
	people            atomic.Pointer[[]Person]
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Roster over people. Entries with an empty name are ignored.
func New(people []Person, opts ...Option) *Roster {
	r := &Roster{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	r.Replace(people)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Replace swaps the roster entries. Lookups already in progress finish
// against the old set.
func (r *Roster) Replace(people []Person) {
	kept := make([]Person, 0, len(people))
	for _, p := range people {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		kept = append(kept, p)
	}
	r.people.Store(&kept)
}

func (r *Roster) list() []Person {
	if p := r.people.Load(); p != nil {
		return *p
	}
	return nil
}

// People returns a copy of the roster entries.
func (r *Roster) People() []Person {
	people := r.list()
	out := make([]Person, len(people))
	copy(out, people)
	return out
}

// Resolve finds the person an identity most likely refers to. The returned
// score is 1 for exact matches and the Jaro-Winkler similarity otherwise.
func (r *Roster) Resolve(identity string) (p Person, score float64, ok bool) {
	tokens := tokenize(identity)
	if len(tokens) == 0 {
		return Person{}, 0, false
	}

	type candidate struct {
		idx      int
		score    float64
		phonetic bool
	}
	best := candidate{idx: -1}

	people := r.list()
	for i, person := range people {
		for _, name := range append([]string{person.Name}, person.Aliases...) {
			nameTokens := tokenize(name)
			if len(nameTokens) == 0 {
				continue
			}
			if containsAll(tokens, nameTokens) {
				return person, 1, true
			}
			s, phonetic := r.score(tokens, nameTokens)
			switch {
			case phonetic && s >= r.phoneticThreshold:
				if !best.phonetic || s > best.score {
					best = candidate{idx: i, score: s, phonetic: true}
				}
			case !phonetic && !best.phonetic && s >= r.fuzzyThreshold && s > best.score:
				best = candidate{idx: i, score: s}
			}
		}
	}

	if best.idx < 0 {
		return Person{}, 0, false
	}
	return people[best.idx], best.score, true
}

// Speaker returns the label of the person identity resolves to, or identity
// itself when nobody matches.
func (r *Roster) Speaker(identity string) string {
	if p, _, ok := r.Resolve(identity); ok {
		return p.Label()
	}
	return identity
}

// Describe renders the roster as a bullet list for LLM prompts.
func (r *Roster) Describe() string {
	people := r.list()
	if len(people) == 0 {
		return "No people profiles."
	}
	var sb strings.Builder
	for i, p := range people {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(p.Label())
	}
	return sb.String()
}

// score returns the best pairwise Jaro-Winkler similarity between identity
// and name tokens, preferring pairs whose Double Metaphone codes overlap.
func (r *Roster) score(idTokens, nameTokens []string) (float64, bool) {
	var bestPhonetic, bestFuzzy float64
	for _, a := range idTokens {
		ca := codes(a)
		for _, b := range nameTokens {
			s := matchr.JaroWinkler(a, b, false)
			if overlap(ca, codes(b)) {
				bestPhonetic = max(bestPhonetic, s)
			} else {
				bestFuzzy = max(bestFuzzy, s)
			}
		}
	}
	if bestPhonetic > 0 {
		return bestPhonetic, true
	}
	return bestFuzzy, false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

// containsAll reports whether every name token appears among the identity
// tokens, so "sarah" matches "sarah-phone" and "mary ann" matches
// "mary_ann_k" but "mary" alone does not match "Mary Ann".
func containsAll(idTokens, nameTokens []string) bool {
	for _, n := range nameTokens {
		found := false
		for _, t := range idTokens {
			if t == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func codes(token string) [2]string {
	p, s := matchr.DoubleMetaphone(token)
	return [2]string{p, s}
}

func overlap(a, b [2]string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
