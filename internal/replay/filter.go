// =============================================================================
// REPLAY FILTERS - SELECTOR EXPRESSIONS COMPILED TO CEL
// =============================================================================
//
// Operators write filters in the usual message-selector form:
//
//   color = 'red' AND (size > 10 OR priority IN ('high', 'urgent'))
//   region LIKE 'eu-%' AND NOT archived
//   customer IS NOT NULL
//
// The selector is parsed here and translated into a CEL program evaluated
// against the record's properties:
//
//   color = 'red'         →  p["color"] == "red"
//   size > 10             →  double(p["size"]) > 10.0
//   region LIKE 'eu-%'    →  p["region"].matches("^eu-.*$")
//   customer IS NULL      →  !("customer" in p)
//
// A property that is missing or not numeric where a number is expected makes
// the comparison unknown, and an unknown result never matches. OR with one
// true side still matches, as in SQL three-valued logic.
//
// Besides the message properties, every record exposes MessageID, Address,
// Durable ("true"/"false") and Timestamp (unix milliseconds), unless a
// property of the same name shadows them.
//
// =============================================================================

package replay

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/cel-go/cel"

	"addrbroker/internal/storage"
)

// ErrInvalidFilter is returned for a selector that does not parse.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is a compiled selector. The zero Filter and a nil *Filter match
// everything.
type Filter struct {
	source string
	expr   string
	prog   cel.Program
}

// CompileFilter parses selector. An empty selector matches everything.
func CompileFilter(selector string) (*Filter, error) {
	f := &Filter{source: selector}
	if strings.TrimSpace(selector) == "" {
		return f, nil
	}

	expr, err := translate(selector)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, selector, err)
	}

	env, err := cel.NewEnv(cel.Variable("p", cel.MapType(cel.StringType, cel.StringType)))
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, selector, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %q is not a condition", ErrInvalidFilter, selector)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, selector, err)
	}

	f.expr = expr
	f.prog = prog
	return f, nil
}

// String returns the original selector.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Expression returns the CEL form of the selector.
func (f *Filter) Expression() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match reports whether rec satisfies the filter.
func (f *Filter) Match(rec *storage.Record) bool {
	if f == nil || f.prog == nil {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{"p": recordProperties(rec)})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func recordProperties(rec *storage.Record) map[string]string {
	props := make(map[string]string, len(rec.Properties)+4)
	props["MessageID"] = rec.MessageID
	props["Address"] = rec.Address
	props["Durable"] = strconv.FormatBool(rec.Durable())
	props["Timestamp"] = strconv.FormatInt(rec.Timestamp/1e6, 10)
	for k, v := range rec.Properties {
		props[k] = v
	}
	return props
}

// =============================================================================
// LEXER
// =============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokKeyword
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true,
	"LIKE": true, "IN": true, "BETWEEN": true, "TRUE": true, "FALSE": true,
	"ESCAPE": true,
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '\'':
			var b strings.Builder
			j := i + 1
			for {
				if j >= len(src) {
					return nil, fmt.Errorf("unterminated string at %d", i)
				}
				if src[j] == '\'' {
					if j+1 < len(src) && src[j+1] == '\'' {
						b.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				b.WriteByte(src[j])
				j++
			}
			toks = append(toks, token{tokString, b.String(), i})
			i = j + 1

		case c >= '0' && c <= '9' || (c == '-' || c == '.') && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.' || src[j] == 'e' || src[j] == 'E') {
				j++
			}
			if _, err := strconv.ParseFloat(src[i:j], 64); err != nil {
				return nil, fmt.Errorf("bad number %q at %d", src[i:j], i)
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j

		case c == '_' || c == '$' || unicode.IsLetter(c):
			j := i + 1
			for j < len(src) && (src[j] == '_' || src[j] == '$' || src[j] == '.' ||
				unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			word := src[i:j]
			if keywords[strings.ToUpper(word)] {
				toks = append(toks, token{tokKeyword, strings.ToUpper(word), i})
			} else {
				toks = append(toks, token{tokIdent, word, i})
			}
			i = j

		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++

		case strings.ContainsRune("=<>!", c):
			op := string(c)
			if i+1 < len(src) {
				if two := src[i : i+2]; two == "<>" || two == "<=" || two == ">=" || two == "!=" {
					op = two
				}
			}
			if op == "!" {
				return nil, fmt.Errorf("unexpected '!' at %d", i)
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)

		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

// =============================================================================
// PARSER → CEL
// =============================================================================

type parser struct {
	toks []token
	pos  int
}

// operand is a translated operand and whether it is a property reference.
type operand struct {
	cel     string
	ident   string
	numeric bool
}

func translate(selector string) (string, error) {
	toks, err := lex(selector)
	if err != nil {
		return "", err
	}
	p := &parser{toks: toks}
	expr, err := p.or()
	if err != nil {
		return "", err
	}
	if t := p.peek(); t.kind != tokEOF {
		return "", fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return expr, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(k string) bool {
	if t := p.peek(); t.kind == tokKeyword && t.text == k {
		p.pos++
		return true
	}
	return false
}

func (p *parser) or() (string, error) {
	left, err := p.and()
	if err != nil {
		return "", err
	}
	for p.keyword("OR") {
		right, err := p.and()
		if err != nil {
			return "", err
		}
		left = "(" + left + " || " + right + ")"
	}
	return left, nil
}

func (p *parser) and() (string, error) {
	left, err := p.not()
	if err != nil {
		return "", err
	}
	for p.keyword("AND") {
		right, err := p.not()
		if err != nil {
			return "", err
		}
		left = "(" + left + " && " + right + ")"
	}
	return left, nil
}

func (p *parser) not() (string, error) {
	if p.keyword("NOT") {
		inner, err := p.not()
		if err != nil {
			return "", err
		}
		return "!" + inner, nil
	}
	return p.predicate()
}

func (p *parser) predicate() (string, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.or()
		if err != nil {
			return "", err
		}
		if t := p.next(); t.kind != tokRParen {
			return "", fmt.Errorf("expected ')' at %d", t.pos)
		}
		return "(" + inner + ")", nil
	}

	left, err := p.operand()
	if err != nil {
		return "", err
	}

	t := p.peek()
	switch {
	case t.kind == tokOp:
		p.next()
		right, err := p.operand()
		if err != nil {
			return "", err
		}
		return compare(left, t.text, right), nil

	case t.kind == tokKeyword && t.text == "IS":
		p.next()
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return "", fmt.Errorf("expected NULL at %d", p.peek().pos)
		}
		if left.ident == "" {
			return "", fmt.Errorf("IS NULL needs a property name")
		}
		present := strconv.Quote(left.ident) + " in p"
		if negate {
			return "(" + present + ")", nil
		}
		return "!(" + present + ")", nil

	case t.kind == tokKeyword && (t.text == "LIKE" || t.text == "IN" || t.text == "BETWEEN" || t.text == "NOT"):
		negate := p.keyword("NOT")
		var expr string
		switch {
		case p.keyword("LIKE"):
			expr, err = p.like(left)
		case p.keyword("IN"):
			expr, err = p.in(left)
		case p.keyword("BETWEEN"):
			expr, err = p.between(left)
		default:
			return "", fmt.Errorf("expected LIKE, IN or BETWEEN at %d", p.peek().pos)
		}
		if err != nil {
			return "", err
		}
		if negate {
			return "!" + expr, nil
		}
		return expr, nil
	}

	// A bare operand is a boolean condition.
	switch {
	case left.ident != "":
		return "(" + left.cel + ` == "true")`, nil
	case left.cel == "true" || left.cel == "false":
		return left.cel, nil
	}
	return "", fmt.Errorf("expected a condition at %d", t.pos)
}

func (p *parser) operand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return operand{cel: "p[" + strconv.Quote(t.text) + "]", ident: t.text}, nil
	case tokString:
		return operand{cel: strconv.Quote(t.text)}, nil
	case tokNumber:
		f, _ := strconv.ParseFloat(t.text, 64)
		return operand{cel: strconv.FormatFloat(f, 'f', -1, 64), numeric: true}, nil
	case tokKeyword:
		if t.text == "TRUE" || t.text == "FALSE" {
			return operand{cel: strings.ToLower(t.text)}, nil
		}
	}
	return operand{}, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

// compare emits a comparison. Properties are strings; next to a number
// literal they are converted so 10 > 9 numerically.
func compare(left operand, op string, right operand) string {
	switch op {
	case "=":
		op = "=="
	case "<>":
		op = "!="
	}
	l, r := left.cel, right.cel
	numeric := left.numeric || right.numeric
	if numeric {
		l, r = asDouble(left), asDouble(right)
	} else {
		if left.cel == "true" || left.cel == "false" {
			l = strconv.Quote(left.cel)
		}
		if right.cel == "true" || right.cel == "false" {
			r = strconv.Quote(right.cel)
		}
	}
	return "(" + l + " " + op + " " + r + ")"
}

func asDouble(o operand) string {
	if o.numeric {
		if !strings.ContainsAny(o.cel, ".eE") {
			return o.cel + ".0"
		}
		return o.cel
	}
	return "double(" + o.cel + ")"
}

func (p *parser) like(left operand) (string, error) {
	t := p.next()
	if t.kind != tokString {
		return "", fmt.Errorf("LIKE needs a string pattern at %d", t.pos)
	}
	var escape byte
	if p.keyword("ESCAPE") {
		e := p.next()
		if e.kind != tokString || len(e.text) != 1 {
			return "", fmt.Errorf("ESCAPE needs a single character at %d", e.pos)
		}
		escape = e.text[0]
	}
	return left.cel + ".matches(" + strconv.Quote(likeToRegexp(t.text, escape)) + ")", nil
}

func likeToRegexp(pattern string, escape byte) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case escape != 0 && c == escape && i+1 < len(pattern):
			i++
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		case c == '%':
			b.WriteString(".*")
		case c == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func (p *parser) in(left operand) (string, error) {
	if t := p.next(); t.kind != tokLParen {
		return "", fmt.Errorf("expected '(' after IN at %d", t.pos)
	}
	var items []string
	for {
		t := p.next()
		if t.kind != tokString {
			return "", fmt.Errorf("IN list takes strings, got %q at %d", t.text, t.pos)
		}
		items = append(items, strconv.Quote(t.text))
		sep := p.next()
		if sep.kind == tokRParen {
			break
		}
		if sep.kind != tokComma {
			return "", fmt.Errorf("expected ',' or ')' at %d", sep.pos)
		}
	}
	return "(" + left.cel + " in [" + strings.Join(items, ", ") + "])", nil
}

func (p *parser) between(left operand) (string, error) {
	lo, err := p.operand()
	if err != nil {
		return "", err
	}
	if !p.keyword("AND") {
		return "", fmt.Errorf("expected AND in BETWEEN at %d", p.peek().pos)
	}
	hi, err := p.operand()
	if err != nil {
		return "", err
	}
	return "(" + compare(left, ">=", lo) + " && " + compare(left, "<=", hi) + ")", nil
}
