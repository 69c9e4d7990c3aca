package drain

import "regexp"

// variablePattern is one entry in the ordered masking table applied before
// tokenization. Order matters: timestamps must be masked before the bare
// numeric pattern would otherwise fragment them.
type variablePattern struct {
	name        string
	regex       *regexp.Regexp
	placeholder string
}

// variablePatterns is the fixed, ordered preprocessing table. Each pattern
// is applied in sequence over the full line before tokenization.
var variablePatterns = []variablePattern{
	{"timestamp", regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`), "<TIMESTAMP>"},
	{"time", regexp.MustCompile(`\d{2}:\d{2}:\d{2}`), "<TIME>"},
	{"ip", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "<IP>"},
	{"uuid", regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<UUID>"},
	{"sha1", regexp.MustCompile(`\b[0-9a-fA-F]{40}\b`), "<SHA1>"},
	{"sha256", regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`), "<SHA256>"},
	{"hex", regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), "<HEX>"},
	{"num", regexp.MustCompile(`(?:[^a-zA-Z0-9](\-?\+?\d+)[^a-zA-Z0-9])|(?:^(\-?\+?\d+)[^a-zA-Z0-9])`), numReplace},
	{"version", regexp.MustCompile(`\b\d+\.\d+\.\d+\b`), "<VERSION>"},
	{"url", regexp.MustCompile(`https?://\S+`), "<URL>"},
	{"path", regexp.MustCompile(`/[\w./\-]+`), "<PATH>"},
}

// numReplace is a sentinel recognized by preprocess to mean "substitute
// the numeric placeholder while preserving the surrounding boundary
// characters that the lookaround-based Python regex consumed instead of
// capturing." Go's RE2 has no lookaround, so the num pattern is applied
// through numSub rather than a literal ReplaceAllString.
const numReplace = "<NUM>"

var numBoundary = regexp.MustCompile(`(^|[^a-zA-Z0-9])(\-?\+?\d+)([^a-zA-Z0-9]|$)`)

// preprocess masks variable substrings in line, applying every pattern in
// order, then splits on whitespace and the delimiter set, discarding empty
// tokens.
func preprocess(line string) []string {
	processed := line
	for _, p := range variablePatterns {
		if p.placeholder == numReplace {
			processed = maskNumbers(processed)
			continue
		}
		processed = p.regex.ReplaceAllString(processed, p.placeholder)
	}
	return tokenize(processed)
}

// maskNumbers replaces standalone integers (bounded by non-alphanumeric
// characters or the string edges) with <NUM>, without consuming the
// boundary characters themselves. This reproduces the original
// lookahead/lookbehind Python pattern using RE2-compatible boundary
// capturing instead.
func maskNumbers(s string) string {
	for {
		loc := numBoundary.FindStringSubmatchIndex(s)
		if loc == nil {
			return s
		}
		// loc[2:4] is group 1 (leading boundary), loc[4:6] is group 2
		// (the number), loc[6:8] is group 3 (trailing boundary).
		lead := s[loc[2]:loc[3]]
		trail := s[loc[6]:loc[7]]
		s = s[:loc[0]] + lead + "<NUM>" + trail + s[loc[1]:]
	}
}

var delimiters = map[rune]bool{
	' ': true, '\t': true, '\n': true, '\r': true,
	'=': true, ':': true, ',': true, ';': true, '|': true,
	'[': true, ']': true, '(': true, ')': true, '{': true, '}': true,
}

// tokenize splits on whitespace and the Drain delimiter set, dropping
// empty tokens exactly as the original's re.split + filter does.
func tokenize(s string) []string {
	var tokens []string
	start := -1
	for i, r := range s {
		if delimiters[r] {
			if start >= 0 {
				tokens = append(tokens, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

var hasDigit = regexp.MustCompile(`\d`)

// containsDigit reports whether token has at least one digit character,
// the signal used during tree navigation to coerce a token to a wildcard
// before routing.
func containsDigit(token string) bool {
	return hasDigit.MatchString(token)
}
