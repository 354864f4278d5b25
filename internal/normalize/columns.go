package normalize

import (
	"sort"
	"strings"
	"unicode"
)

// Field is a canonical record field name.
type Field string

const (
	FieldSymbol    Field = "symbol"
	FieldTimestamp Field = "timestamp"
	FieldOpen      Field = "open"
	FieldHigh      Field = "high"
	FieldLow       Field = "low"
	FieldClose     Field = "close"
	FieldAdjClose  Field = "adj_close"
	FieldVolume    Field = "volume"
)

// valueFields are the per-row measurements every record must carry.
var valueFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldAdjClose, FieldVolume}

// aliases maps canonicalised column names to fields.
var aliases = map[string]Field{
	"symbol":         FieldSymbol,
	"ticker":         FieldSymbol,
	"date":           FieldTimestamp,
	"datetime":       FieldTimestamp,
	"time":           FieldTimestamp,
	"timestamp":      FieldTimestamp,
	"ts":             FieldTimestamp,
	"open":           FieldOpen,
	"high":           FieldHigh,
	"low":            FieldLow,
	"close":          FieldClose,
	"adj_close":      FieldAdjClose,
	"adjclose":       FieldAdjClose,
	"adjusted_close": FieldAdjClose,
	"volume":         FieldVolume,
	"vol":            FieldVolume,
}

// aliasesByLength lists alias keys longest first so that "adj_close" wins over "close".
var aliasesByLength = func() []string {
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

// Column is a possibly hierarchical column name, outermost level first.
// A flat column has one level.
type Column []string

// resolvedColumn is what a raw column means in canonical terms.
type resolvedColumn struct {
	field  Field
	symbol string
}

// canonicalName lower-cases s and collapses every run of non-alphanumeric
// characters into one underscore.
func canonicalName(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// multiLevel reports whether col carries more than one non-empty level.
func multiLevel(col Column) bool {
	n := 0
	for _, l := range col {
		if canonicalName(l) != "" {
			n++
		}
	}
	return n > 1
}

// layout is what one table's header says about where fields and symbols sit.
type layout struct {
	// fieldLevel is the level index holding field names in hierarchical
	// columns, or -1 to take the first alias found.
	fieldLevel int
	// votes counts the flat columns that could name each symbol.
	votes map[string]int
}

// detectLayout inspects every column of a table before any is resolved. A
// ticker can itself be a field alias (LOW, OPEN), so per column guesses are
// settled by what the rest of the header agrees on.
func detectLayout(cols []Column) layout {
	l := layout{fieldLevel: fieldLevel(cols), votes: map[string]int{}}
	for _, col := range cols {
		if multiLevel(col) {
			continue
		}
		seen := map[string]bool{}
		for _, c := range splitCandidates(strings.Join(col, "")) {
			if c.symbol != "" && !seen[c.symbol] {
				seen[c.symbol] = true
				l.votes[c.symbol]++
			}
		}
	}
	return l
}

// fieldLevel picks the level index that holds field names across the
// hierarchical columns, or -1 when there are none. The level with the most
// distinct aliases wins, then the one matching the most columns, then the
// outermost.
func fieldLevel(cols []Column) int {
	var (
		distinct []map[Field]struct{}
		matched  []int
	)
	for _, col := range cols {
		if !multiLevel(col) {
			continue
		}
		for i, l := range col {
			f, ok := aliases[canonicalName(l)]
			if !ok {
				continue
			}
			for len(distinct) <= i {
				distinct = append(distinct, map[Field]struct{}{})
				matched = append(matched, 0)
			}
			distinct[i][f] = struct{}{}
			matched[i]++
		}
	}

	best := -1
	for i := range distinct {
		if matched[i] == 0 {
			continue
		}
		if best < 0 ||
			len(distinct[i]) > len(distinct[best]) ||
			(len(distinct[i]) == len(distinct[best]) && matched[i] > matched[best]) {
			best = i
		}
	}
	return best
}

// resolve maps a raw column to a field and an optional symbol.
func (l layout) resolve(col Column) (resolvedColumn, bool) {
	type part struct {
		raw, canon string
		index      int
	}
	parts := make([]part, 0, len(col))
	for i, lvl := range col {
		if c := canonicalName(lvl); c != "" {
			parts = append(parts, part{raw: strings.TrimSpace(lvl), canon: c, index: i})
		}
	}

	switch len(parts) {
	case 0:
		return resolvedColumn{}, false
	case 1:
		return l.resolveSingle(parts[0].raw)
	}

	var (
		res      resolvedColumn
		hasField bool
		others   []part
	)
	for _, p := range parts {
		f, ok := aliases[p.canon]
		if ok && !hasField && (l.fieldLevel < 0 || p.index == l.fieldLevel) {
			res.field = f
			hasField = true
			continue
		}
		others = append(others, p)
	}
	if !hasField {
		if l.fieldLevel >= 0 {
			return resolvedColumn{}, false
		}
		// grouped names are sometimes flattened into one of the levels
		joined := make([]string, len(parts))
		for i, p := range parts {
			joined[i] = p.raw
		}
		return l.resolveSingle(strings.Join(joined, " "))
	}
	if len(others) > 1 {
		return resolvedColumn{}, false
	}
	if len(others) == 1 {
		// symbol levels keep their punctuation (BRK.B, ^GSPC)
		res.symbol = strings.ToUpper(others[0].raw)
	}
	return res, true
}

// resolveSingle handles flat names such as "close", "adj_close_aapl",
// "aapl_close" or "BRK.B.Close". When more than one split fits, the symbol
// most other columns could name wins, then the longest alias.
func (l layout) resolveSingle(raw string) (resolvedColumn, bool) {
	candidates := splitCandidates(raw)
	if len(candidates) == 0 {
		return resolvedColumn{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if l.votes[c.symbol] > l.votes[best.symbol] {
			best = c
		}
	}
	return best, true
}

// splitCandidates lists every reading of a flat name, longest alias first.
// Aliases are matched on the canonical form while symbols are cut from the raw
// text so they keep their punctuation.
func splitCandidates(raw string) []resolvedColumn {
	name := canonicalName(raw)
	if f, ok := aliases[name]; ok {
		return []resolvedColumn{{field: f}}
	}
	var out []resolvedColumn
	for _, alias := range aliasesByLength {
		f := aliases[alias]
		if f == FieldSymbol {
			continue
		}
		if rest, ok := strings.CutPrefix(name, alias+"_"); ok && rest != "" {
			out = append(out, resolvedColumn{field: f, symbol: rawSymbol(raw, alnumCount(alias), true)})
		}
		if rest, ok := strings.CutSuffix(name, "_"+alias); ok && rest != "" {
			out = append(out, resolvedColumn{field: f, symbol: rawSymbol(raw, alnumCount(alias), false)})
		}
	}
	return out
}

// resolveColumn resolves col without any table context.
func resolveColumn(col Column) (resolvedColumn, bool) {
	return layout{fieldLevel: -1}.resolve(col)
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func alnumCount(s string) int {
	n := 0
	for _, r := range s {
		if isAlnum(r) {
			n++
		}
	}
	return n
}

// rawSymbol drops the first (or last) n alphanumeric runes of raw, which
// spell the field alias, and trims the separators left around the symbol.
func rawSymbol(raw string, n int, fromStart bool) string {
	runes := []rune(strings.TrimSpace(raw))
	seen := 0
	if fromStart {
		i := 0
		for ; i < len(runes) && seen < n; i++ {
			if isAlnum(runes[i]) {
				seen++
			}
		}
		runes = runes[i:]
	} else {
		i := len(runes)
		for ; i > 0 && seen < n; i-- {
			if isAlnum(runes[i-1]) {
				seen++
			}
		}
		runes = runes[:i]
	}

	symbol := strings.TrimLeftFunc(string(runes), func(r rune) bool { return !isAlnum(r) && r != '^' })
	symbol = strings.TrimRightFunc(symbol, func(r rune) bool { return !isAlnum(r) })
	return strings.ToUpper(symbol)
}
