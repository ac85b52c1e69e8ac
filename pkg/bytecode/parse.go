package bytecode

import (
	"bufio"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ClassDecl declares a class in an assembly program.
type ClassDecl struct {
	Name     string
	Super    string
	InstVars []string
	Line     int
}

// MethodDecl declares a method in an assembly program.
type MethodDecl struct {
	Class    string
	Selector string
	Chunk    *Chunk
	Line     int
}

// Program is the result of parsing an assembly source file.
type Program struct {
	Classes []ClassDecl
	Methods []*MethodDecl
}

// Method returns the declaration of class>>selector, or nil.
func (p *Program) Method(class, selector string) *MethodDecl {
	for _, m := range p.Methods {
		if m.Class == class && m.Selector == selector {
			return m
		}
	}
	return nil
}

// Parse reads the textual assembly format:
//
//	class Point Object x y
//	method Point sum 0 1
//	    push_ivar 0
//	    push_ivar 1
//	    send_plus
//	    return_top
//	end
//
// Labels are written as "name:" on a line of their own. Comments start with ';'.
func Parse(src string) (*Program, error) {
	p := &parser{prog: &Program{}}
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.line++
		if err := p.parseLine(sc.Text()); err != nil {
			return nil, errors.Wrapf(err, "line %d", p.line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading assembly")
	}
	if p.cur != nil {
		return nil, errors.Newf("method %s>>%s is missing 'end'", p.cur.Class, p.cur.Selector)
	}
	return p.prog, nil
}

type parser struct {
	prog   *Program
	line   int
	cur    *MethodDecl
	b      *Builder
	labels map[string]*Label
}

func (p *parser) parseLine(raw string) error {
	text := strings.TrimSpace(stripComment(raw))
	if text == "" {
		return nil
	}
	head, rest := splitHead(text)

	if p.cur == nil {
		switch head {
		case "class":
			fields := strings.Fields(rest)
			if len(fields) < 2 {
				return errors.New("class needs a name and a superclass")
			}
			p.prog.Classes = append(p.prog.Classes, ClassDecl{
				Name: fields[0], Super: fields[1], InstVars: fields[2:], Line: p.line,
			})
			return nil
		case "method":
			return p.beginMethod(rest)
		}
		return errors.Newf("unexpected %q outside a method", head)
	}

	if head == "end" {
		return p.endMethod()
	}
	if strings.HasSuffix(head, ":") && rest == "" {
		name := strings.TrimSuffix(head, ":")
		l := p.label(name)
		if l.Resolved() {
			return errors.Newf("label %q defined twice", name)
		}
		p.b.Mark(l)
		return nil
	}
	return p.emit(head, rest)
}

func (p *parser) beginMethod(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) != 4 {
		return errors.New("method needs: class selector args temps")
	}
	args, err := strconv.Atoi(fields[2])
	if err != nil || args < 0 {
		return errors.Newf("bad argument count %q", fields[2])
	}
	temps, err := strconv.Atoi(fields[3])
	if err != nil || temps < 0 {
		return errors.Newf("bad temp count %q", fields[3])
	}
	if args+temps > math.MaxUint8 {
		return errors.New("too many locals")
	}
	p.cur = &MethodDecl{
		Class:    fields[0],
		Selector: fields[1],
		Line:     p.line,
		Chunk:    &Chunk{Name: fields[0] + ">>" + fields[1], NumArgs: args, NumTemps: temps},
	}
	p.b = NewBuilder()
	p.labels = make(map[string]*Label)
	return nil
}

func (p *parser) endMethod() error {
	for name, l := range p.labels {
		if !l.Resolved() {
			return errors.Newf("undefined label %q", name)
		}
	}
	p.cur.Chunk.Code = p.b.Bytes()
	p.prog.Methods = append(p.prog.Methods, p.cur)
	p.cur, p.b, p.labels = nil, nil, nil
	return nil
}

func (p *parser) label(name string) *Label {
	l, ok := p.labels[name]
	if !ok {
		l = p.b.NewLabel()
		p.labels[name] = l
	}
	return l
}

func (p *parser) emit(mnemonic, rest string) error {
	c := p.cur.Chunk
	if mnemonic == "push_int" {
		n, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "push_int %q", rest)
		}
		p.b.EmitPushInt(int32(n))
		return nil
	}

	op, ok := opcodesByName[strings.ToUpper(mnemonic)]
	if !ok {
		return errors.Newf("unknown instruction %q", mnemonic)
	}

	switch op {
	case OpPushInt8:
		n, err := strconv.ParseInt(rest, 10, 8)
		if err != nil {
			return errors.Wrapf(err, "push_int8 %q", rest)
		}
		p.b.EmitInt8(op, int8(n))
	case OpPushInt32:
		n, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "push_int32 %q", rest)
		}
		p.b.EmitInt32(op, int32(n))
	case OpPushFloat:
		f, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return errors.Wrapf(err, "push_float %q", rest)
		}
		p.b.EmitFloat64(op, f)
	case OpPushTemp, OpStoreTemp:
		n, err := parseByte(rest)
		if err != nil {
			return err
		}
		if int(n) >= c.NumLocals() {
			return errors.Newf("local %d out of range (method has %d)", n, c.NumLocals())
		}
		p.b.EmitByte(op, n)
	case OpPushIvar, OpStoreIvar, OpCreateArray:
		n, err := parseByte(rest)
		if err != nil {
			return err
		}
		p.b.EmitByte(op, n)
	case OpPushLiteral:
		lit, err := parseLiteral(rest)
		if err != nil {
			return err
		}
		p.b.EmitUint16(op, c.AddLiteral(lit))
	case OpPushGlobal, OpStoreGlobal:
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return errors.Newf("%s needs a global name", mnemonic)
		}
		p.b.EmitUint16(op, c.AddLiteral(Literal{Kind: LitSymbol, Str: rest}))
	case OpSend, OpSendSuper:
		fields := strings.Fields(rest)
		if len(fields) == 0 || len(fields) > 2 {
			return errors.Newf("%s needs: selector [argc]", mnemonic)
		}
		argc := Arity(fields[0])
		if len(fields) == 2 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 || n > math.MaxUint8 {
				return errors.Newf("bad argc %q", fields[1])
			}
			argc = n
		}
		p.b.EmitSend(op, c.AddLiteral(Literal{Kind: LitSymbol, Str: fields[0]}), uint8(argc))
	case OpJump, OpJumpTrue, OpJumpFalse, OpJumpNil, OpJumpNotNil:
		if rest == "" {
			return errors.Newf("%s needs a label", mnemonic)
		}
		p.b.EmitJump(op, p.label(rest))
	default:
		if rest != "" {
			return errors.Newf("%s takes no operands", mnemonic)
		}
		p.b.Emit(op)
	}
	return nil
}

// Arity returns the argument count implied by a selector's shape.
func Arity(selector string) int {
	if selector == "" {
		return 0
	}
	if n := strings.Count(selector, ":"); n > 0 {
		return n
	}
	c := selector[0]
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' {
		return 0
	}
	return 1
}

func parseByte(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "operand %q", s)
	}
	return uint8(n), nil
}

func parseLiteral(s string) (Literal, error) {
	switch {
	case s == "":
		return Literal{}, errors.New("missing literal")
	case s[0] == '"':
		str, err := strconv.Unquote(s)
		if err != nil {
			return Literal{}, errors.Wrapf(err, "string literal %s", s)
		}
		return Literal{Kind: LitString, Str: str}, nil
	case s[0] == '#':
		if len(s) == 1 {
			return Literal{}, errors.New("empty symbol literal")
		}
		return Literal{Kind: LitSymbol, Str: s[1:]}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Literal{Kind: LitInt, Int: n}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Literal{}, errors.Newf("bad literal %q", s)
	}
	return Literal{Kind: LitFloat, Float: f}, nil
}

func splitHead(text string) (string, string) {
	i := strings.IndexAny(text, " \t")
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case ';':
			if !inString {
				return line[:i]
			}
		}
	}
	return line
}
