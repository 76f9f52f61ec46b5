package template

import "strconv"

// AST nodes. Each node evaluates itself against a Context.
type node interface {
	eval(ctx *Context, src string) (any, error)
}

type litNode struct{ value any }

type identNode struct{ name string }

type attrNode struct {
	obj  node
	name string
}

type indexNode struct {
	obj node
	idx node
}

type unaryNode struct {
	op string // "not" or "-"
	x  node
}

type binaryNode struct {
	op   string
	l, r node
}

type condNode struct {
	then node // value if cond is true
	cond node
	els  node
}

type filterNode struct {
	x    node
	name string
	args []node
}

type parser struct {
	src  string
	toks []token
	pos  int
}

// parse compiles one expression into an AST.
func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, errf(src, "unexpected trailing token %s", p.peek())
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tokOp && p.peek().text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptKeyword(text string) bool {
	if p.peek().kind == tokKeyword && p.peek().text == text {
		p.pos++
		return true
	}
	return false
}

// parseExpr handles the conditional form `a if cond else b`.
func (p *parser) parseExpr() (node, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.acceptKeyword("if") {
		return then, nil
	}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.acceptKeyword("else") {
		return nil, errf(p.src, "conditional expression missing else branch")
	}
	els, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &condNode{then: then, cond: cond, els: els}, nil
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: "or", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: "and", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseNot() (node, error) {
	if p.acceptKeyword("not") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.advance()
			r, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &binaryNode{op: t.text, l: l, r: r}, nil
		}
	}
	return l, nil
}

func (p *parser) parseAdditive() (node, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-" && t.text != "~") {
			return l, nil
		}
		p.advance()
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: t.text, l: l, r: r}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return l, nil
		}
		p.advance()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: t.text, l: l, r: r}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.acceptOp("-") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", x: x}, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles attribute access, indexing and filters.
func (p *parser) parsePostfix() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("."):
			t := p.advance()
			if t.kind != tokIdent {
				return nil, errf(p.src, "expected attribute name after '.', got %s", t)
			}
			x = &attrNode{obj: x, name: t.text}

		case p.acceptOp("["):
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if !p.acceptOp("]") {
				return nil, errf(p.src, "expected ']' after index expression")
			}
			x = &indexNode{obj: x, idx: idx}

		case p.acceptOp("|"):
			t := p.advance()
			if t.kind != tokIdent {
				return nil, errf(p.src, "expected filter name after '|', got %s", t)
			}
			f := &filterNode{x: x, name: t.text}
			if p.acceptOp("(") {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					f.args = append(f.args, arg)
					if p.acceptOp(",") {
						continue
					}
					break
				}
				if !p.acceptOp(")") {
					return nil, errf(p.src, "expected ')' after filter arguments")
				}
			}
			x = f

		default:
			return x, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.advance()
	switch t.kind {
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return &litNode{value: i}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errf(p.src, "invalid number %q", t.text)
		}
		return &litNode{value: f}, nil

	case tokString:
		return &litNode{value: t.text}, nil

	case tokIdent:
		return &identNode{name: t.text}, nil

	case tokKeyword:
		switch t.text {
		case "true":
			return &litNode{value: true}, nil
		case "false":
			return &litNode{value: false}, nil
		case "null", "none":
			return &litNode{value: nil}, nil
		}
		return nil, errf(p.src, "unexpected keyword %q", t.text)

	case tokOp:
		if t.text == "(" {
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if !p.acceptOp(")") {
				return nil, errf(p.src, "expected closing ')'")
			}
			return x, nil
		}
	}
	return nil, errf(p.src, "unexpected token %s", t)
}
