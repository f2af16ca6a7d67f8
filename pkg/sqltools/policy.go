package sqltools

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrNotReadOnly is returned by CheckReadOnly for statements that could
// modify the database.
var ErrNotReadOnly = errors.New("only read-only queries are allowed")

var readStatements = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"EXPLAIN":  true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"PRAGMA":   true,
	"VALUES":   true,
	"TABLE":    true,
}

var mutationKeywords = map[string]bool{
	"INSERT":   true,
	"UPDATE":   true,
	"DELETE":   true,
	"MERGE":    true,
	"UPSERT":   true,
	"REPLACE":  true,
	"CREATE":   true,
	"ALTER":    true,
	"DROP":     true,
	"TRUNCATE": true,
	"GRANT":    true,
	"REVOKE":   true,
	"ATTACH":   true,
	"DETACH":   true,
	"COPY":     true,
	"CALL":     true,
	"INTO":     true,
}

// CheckReadOnly accepts a single read statement. String literals, quoted
// identifiers and comments are ignored when looking for keywords. A
// keyword directly followed by "(" is a function call, e.g. replace(s, a, b).
func CheckReadOnly(query string) error {
	stripped := stripLiterals(query)

	statements := 0
	var body string
	for _, part := range strings.Split(stripped, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		statements++
		body = part
	}
	switch {
	case statements == 0:
		return fmt.Errorf("query is empty")
	case statements > 1:
		return fmt.Errorf("%w: multiple statements are not allowed", ErrNotReadOnly)
	}

	words := keywords(body)
	first := words[0].word
	if !readStatements[first] {
		return fmt.Errorf("%w: %s statements are not allowed", ErrNotReadOnly, first)
	}
	if first == "PRAGMA" && strings.Contains(body, "=") {
		return fmt.Errorf("%w: PRAGMA assignments are not allowed", ErrNotReadOnly)
	}

	for _, w := range words[1:] {
		if mutationKeywords[w.word] && !w.call {
			return fmt.Errorf("%w: %s is not allowed", ErrNotReadOnly, w.word)
		}
	}
	return nil
}

type keyword struct {
	word string
	call bool
}

func keywords(s string) []keyword {
	var out []keyword
	runes := []rune(s)
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			i++
			continue
		}
		start := i
		for i < len(runes) && isWordRune(runes[i]) {
			i++
		}
		j := i
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		out = append(out, keyword{
			word: strings.ToUpper(string(runes[start:i])),
			call: j < len(runes) && runes[j] == '(',
		})
	}
	if len(out) == 0 {
		out = append(out, keyword{})
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// stripLiterals blanks out comments, string literals, quoted identifiers
// and dollar-quoted bodies so their contents cannot look like keywords or
// statement separators.
func stripLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				i = len(s)
			} else {
				i += end
			}
			b.WriteByte(' ')

		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += end + 4
			}
			b.WriteByte(' ')

		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(s, i, c)
			b.WriteString(" x ")

		case c == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				i = len(s)
			} else {
				i += end + 1
			}
			b.WriteString(" x ")

		case c == '$':
			if tag, ok := dollarTag(s[i:]); ok {
				end := strings.Index(s[i+len(tag):], tag)
				if end < 0 {
					i = len(s)
				} else {
					i += len(tag) + end + len(tag)
				}
				b.WriteString(" x ")
				continue
			}
			b.WriteByte(c)
			i++

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// skipQuoted returns the index just past the quoted run starting at i.
// A doubled quote character is an escaped quote.
func skipQuoted(s string, i int, quote byte) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] != quote {
			continue
		}
		if j+1 < len(s) && s[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

// dollarTag recognises $$ and $tag$ openers
func dollarTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		if c == '$' {
			return s[:j+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || j > 1 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}
