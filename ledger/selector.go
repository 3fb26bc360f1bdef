package ledger

import (
	"sort"
	"strings"
)

// Match is one clause of a Selector. Any matches every account that carries
// the label, whatever its value.
type Match struct {
	Name  string
	Value string
	Any   bool
}

// Selector is a conjunction of label matches. The empty selector matches
// every account.
type Selector []Match

// Is matches accounts whose label name equals value.
func Is(name, value string) Match { return Match{Name: name, Value: value} }

// Has matches accounts that carry label name.
func Has(name string) Match { return Match{Name: name, Any: true} }

// Select builds a selector from matches.
func Select(ms ...Match) Selector { return Selector(ms) }

// Key is a canonical form: two selectors with the same clauses in any order
// share a key.
func (s Selector) Key() string {
	parts := make([]string, len(s))
	for i, m := range s {
		if m.Any {
			parts[i] = escape(m.Name) + "=*"
		} else {
			parts[i] = escape(m.Name) + "==" + escape(m.Value)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (s Selector) String() string { return "{" + s.Key() + "}" }

// Matches reports whether labels satisfy every clause.
func (s Selector) Matches(labels Labels) bool {
	for _, m := range s {
		v, ok := labels[m.Name]
		if !ok {
			return false
		}
		if !m.Any && v != m.Value {
			return false
		}
	}
	return true
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `=`, `\=`, `*`, `\*`)

func escape(s string) string { return keyEscaper.Replace(s) }
