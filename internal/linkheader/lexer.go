package linkheader

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokURI
	tokToken
	tokQuoted
	tokSemicolon
	tokComma
	tokEquals
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of header"
	case tokURI:
		return "<uri>"
	case tokToken:
		return "token"
	case tokQuoted:
		return "quoted-string"
	case tokSemicolon:
		return "';'"
	case tokComma:
		return "','"
	case tokEquals:
		return "'='"
	}
	return "unknown"
}

type token struct {
	kind   tokenKind
	text   string
	offset int
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == ';':
			toks = append(toks, token{kind: tokSemicolon, offset: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, offset: i})
			i++
		case c == '=':
			toks = append(toks, token{kind: tokEquals, offset: i})
			i++
		case c == '<':
			end := strings.IndexByte(s[i+1:], '>')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated <uri> at offset %d", ErrMalformed, i)
			}
			target := strings.TrimSpace(s[i+1 : i+1+end])
			if target == "" {
				return nil, fmt.Errorf("%w: empty <uri> at offset %d", ErrMalformed, i)
			}
			toks = append(toks, token{kind: tokURI, text: target, offset: i})
			i += end + 2
		case c == '"':
			text, n, err := quoted(s[i:])
			if err != nil {
				return nil, fmt.Errorf("%w at offset %d", err, i)
			}
			toks = append(toks, token{kind: tokQuoted, text: text, offset: i})
			i += n
		case len(toks) > 0 && toks[len(toks)-1].kind == tokEquals:
			// Unquoted parameter values run to the next separator, so
			// values such as text/plain are accepted.
			start := i
			for i < len(s) && s[i] != ';' && s[i] != ',' {
				i++
			}
			toks = append(toks, token{kind: tokToken, text: strings.TrimRight(s[start:i], " \t"), offset: start})
		case isTokenChar(c):
			start := i
			for i < len(s) && isTokenChar(s[i]) {
				i++
			}
			toks = append(toks, token{kind: tokToken, text: s[start:i], offset: start})
		default:
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrMalformed, c, i)
		}
	}
	return toks, nil
}

// quoted reads a quoted-string starting at s[0] == '"' and returns the
// unescaped text and the number of bytes consumed.
func quoted(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("%w: dangling escape", ErrMalformed)
			}
			i++
			b.WriteByte(s[i])
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated quoted-string", ErrMalformed)
}

// isTokenChar reports RFC 9110 tchar membership.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
