// Package linkheader parses RFC 8288 Link header values as sent by LRA
// participants when they enlist.
//
//	Link: <http://svc/compensate>; rel="compensate"; title="x", <http://svc/after>; rel=after
package linkheader

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed reports a header that does not follow the Link grammar.
var ErrMalformed = errors.New("linkheader: malformed link header")

// Rel enumerates the link relations a participant can declare.
type Rel int

// Known relations. RelOther covers any registered or extension relation the
// coordinator does not act on.
const (
	RelOther Rel = iota
	RelCompensate
	RelComplete
	RelAfter
	RelForget
	RelLeave
	RelStatus
)

var relNames = map[Rel]string{
	RelCompensate: "compensate",
	RelComplete:   "complete",
	RelAfter:      "after",
	RelForget:     "forget",
	RelLeave:      "leave",
	RelStatus:     "status",
}

// String returns the relation token.
func (r Rel) String() string {
	if name, ok := relNames[r]; ok {
		return name
	}
	return "other"
}

// ParseRel maps a relation token to its Rel. Matching is case-insensitive as
// relation types are.
func ParseRel(token string) Rel {
	token = strings.ToLower(strings.TrimSpace(token))
	for rel, name := range relNames {
		if name == token {
			return rel
		}
	}
	return RelOther
}

// Param is a single link parameter.
type Param struct {
	Name  string
	Value string
}

// Link is one link-value of the header.
type Link struct {
	Target string
	Rels   []Rel
	Params []Param
}

// Param returns the first value of the named parameter.
func (l Link) Param(name string) (string, bool) {
	for _, p := range l.Params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether the link declares rel.
func (l Link) Has(rel Rel) bool {
	for _, r := range l.Rels {
		if r == rel {
			return true
		}
	}
	return false
}

// Links is a parsed header.
type Links []Link

// Target returns the target of the first link declaring rel.
func (ls Links) Target(rel Rel) (string, bool) {
	for _, l := range ls {
		if l.Has(rel) {
			return l.Target, true
		}
	}
	return "", false
}

// ListenerOnly reports whether every declared relation is RelAfter, i.e. the
// enlisting party only wants to hear about the final outcome. Links without
// a rel parameter are ignored; a header with no relations at all is not
// listener-only.
func (ls Links) ListenerOnly() bool {
	seen := false
	for _, l := range ls {
		for _, r := range l.Rels {
			if r != RelAfter {
				return false
			}
			seen = true
		}
	}
	return seen
}

// Parse tokenizes and parses a Link header value.
func Parse(header string) (Links, error) {
	toks, err := tokenize(header)
	if err != nil {
		return nil, err
	}
	p := parser{toks: toks}
	return p.links()
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) links() (Links, error) {
	var out Links
	for {
		// Empty list elements are allowed by the #rule.
		for p.peek().kind == tokComma {
			p.next()
		}
		if p.peek().kind == tokEOF {
			break
		}
		link, err := p.link()
		if err != nil {
			return nil, err
		}
		out = append(out, link)
		switch t := p.next(); t.kind {
		case tokComma, tokEOF:
		default:
			return nil, fmt.Errorf("%w: unexpected %s at offset %d", ErrMalformed, t.kind, t.offset)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no links", ErrMalformed)
	}
	return out, nil
}

func (p *parser) link() (Link, error) {
	t := p.next()
	if t.kind != tokURI {
		return Link{}, fmt.Errorf("%w: expected <uri> at offset %d, got %s", ErrMalformed, t.offset, t.kind)
	}
	link := Link{Target: t.text}
	for p.peek().kind == tokSemicolon {
		p.next()
		name := p.next()
		if name.kind != tokToken {
			return Link{}, fmt.Errorf("%w: expected parameter name at offset %d", ErrMalformed, name.offset)
		}
		param := Param{Name: strings.ToLower(name.text)}
		if p.peek().kind == tokEquals {
			p.next()
			val := p.next()
			if val.kind != tokToken && val.kind != tokQuoted {
				return Link{}, fmt.Errorf("%w: expected value for %q at offset %d", ErrMalformed, name.text, val.offset)
			}
			param.Value = val.text
		}
		link.Params = append(link.Params, param)
		if param.Name == "rel" && len(link.Rels) == 0 {
			// Only the first rel parameter counts.
			for _, field := range strings.Fields(param.Value) {
				link.Rels = append(link.Rels, ParseRel(field))
			}
		}
	}
	return link, nil
}
