package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser is a recursive-descent parser over the fixed grammar in SPEC_FULL.md
// §6. It performs no name resolution — that is the catalog's job (C2).
type Parser struct {
	tokens []Token
	pos    int
}

// Parse tokenizes and parses a single SQL statement, returning one of
// {*CreateTableStatement, *DropTableStatement, *InsertFromStatement,
// *SelectStatement}, or a *Error of kind ParseError.
func Parse(sql string) (Statement, error) {
	tokens, err := NewLexer(sql).Tokenize()
	if err != nil {
		return nil, err
	}
	p := &Parser{tokens: tokens}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind == TokPunct && p.cur().Text == ";" {
		p.advance()
	}
	if p.cur().Kind != TokEOF {
		return nil, p.errorf([]string{"<end of statement>"})
	}
	return stmt, nil
}

func (p *Parser) cur() Token  { return p.tokens[p.pos] }
func (p *Parser) advance() Token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) errorf(expected []string) *Error {
	t := p.cur()
	got := t.Text
	if t.Kind == TokString {
		got = "'" + t.Raw + "'"
	} else if t.Kind == TokNumber {
		got = t.Text
	} else if t.Kind == TokEOF {
		got = "<eof>"
	}
	return &Error{
		Kind: ErrParseError,
		Message: fmt.Sprintf("unexpected token %q at offset %d, expected one of %s",
			got, t.Offset, strings.Join(expected, "|")),
	}
}

func (p *Parser) expectIdent(text string) error {
	t := p.cur()
	if t.Kind != TokIdent || t.Text != text {
		return p.errorf([]string{text})
	}
	p.advance()
	return nil
}

func (p *Parser) expectPunct(text string) error {
	t := p.cur()
	if t.Kind != TokPunct || t.Text != text {
		return p.errorf([]string{text})
	}
	p.advance()
	return nil
}

func (p *Parser) isIdent(text string) bool {
	t := p.cur()
	return t.Kind == TokIdent && t.Text == text
}

func (p *Parser) isPunct(text string) bool {
	t := p.cur()
	return t.Kind == TokPunct && t.Text == text
}

func (p *Parser) parseName() (string, error) {
	t := p.cur()
	if t.Kind != TokIdent {
		return "", p.errorf([]string{"<identifier>"})
	}
	p.advance()
	return t.Raw, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	switch {
	case p.isIdent("CREATE"):
		return p.parseCreateTable()
	case p.isIdent("DROP"):
		return p.parseDropTable()
	case p.isIdent("INSERT"):
		return p.parseInsertFrom()
	case p.isIdent("SELECT"):
		return p.parseSelect()
	default:
		return nil, p.errorf([]string{"CREATE", "DROP", "INSERT", "SELECT"})
	}
}

func (p *Parser) parseCreateTable() (Statement, error) {
	if err := p.expectIdent("CREATE"); err != nil {
		return nil, err
	}
	if err := p.expectIdent("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.parseName()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}

	var cols []ColumnDef
	for {
		colName, err := p.parseName()
		if err != nil {
			return nil, err
		}
		typeTok := p.cur()
		if typeTok.Kind != TokIdent {
			return nil, p.errorf([]string{"<type name>"})
		}
		p.advance()
		typ, ok := NormalizeType(typeTok.Text)
		if !ok {
			return nil, &Error{Kind: ErrParseError, Message: fmt.Sprintf("unknown type %q at offset %d", typeTok.Raw, typeTok.Offset)}
		}
		nullable := true
		if p.isIdent("IS") {
			p.advance()
			if err := p.expectIdent("NOT"); err != nil {
				return nil, err
			}
			if err := p.expectIdent("NULL"); err != nil {
				return nil, err
			}
			nullable = false
		}
		cols = append(cols, ColumnDef{Name: colName, Type: typ, Nullable: nullable})

		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}

	ifNotExists := false
	if p.isIdent("IF") {
		p.advance()
		if err := p.expectIdent("NOT"); err != nil {
			return nil, err
		}
		if err := p.expectIdent("EXISTS"); err != nil {
			return nil, err
		}
		ifNotExists = true
	}

	return &CreateTableStatement{TableName: name, Columns: cols, IfNotExists: ifNotExists}, nil
}

func (p *Parser) parseDropTable() (Statement, error) {
	if err := p.expectIdent("DROP"); err != nil {
		return nil, err
	}
	if err := p.expectIdent("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.parseName()
	if err != nil {
		return nil, err
	}
	ifExists := false
	if p.isIdent("IF") {
		p.advance()
		if err := p.expectIdent("EXISTS"); err != nil {
			return nil, err
		}
		ifExists = true
	}
	return &DropTableStatement{TableName: name, IfExists: ifExists}, nil
}

func (p *Parser) parseInsertFrom() (Statement, error) {
	if err := p.expectIdent("INSERT"); err != nil {
		return nil, err
	}
	if err := p.expectIdent("INTO"); err != nil {
		return nil, err
	}
	name, err := p.parseName()
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("FROM"); err != nil {
		return nil, err
	}
	t := p.cur()
	var path string
	if t.Kind == TokString {
		path = t.Raw
		p.advance()
	} else if t.Kind == TokIdent {
		path = t.Raw
		p.advance()
	} else {
		return nil, p.errorf([]string{"<path>"})
	}

	var rowsPerShard int64
	if p.isIdent("ROWS") {
		p.advance()
		if err := p.expectIdent("PER"); err != nil {
			return nil, err
		}
		if err := p.expectIdent("SHARD"); err != nil {
			return nil, err
		}
		n := p.cur()
		if n.Kind != TokNumber {
			return nil, p.errorf([]string{"<integer>"})
		}
		p.advance()
		v, err := strconv.ParseInt(n.Text, 10, 64)
		if err != nil {
			return nil, &Error{Kind: ErrParseError, Message: "invalid ROWS PER SHARD value at offset " + strconv.Itoa(n.Offset)}
		}
		rowsPerShard = v
	}

	return &InsertFromStatement{TableName: name, SourcePath: path, RowsPerShard: rowsPerShard}, nil
}

var aggFuncs = map[string]AggFunc{
	"COUNT": AggCount, "SUM": AggSum, "MIN": AggMin, "MAX": AggMax, "AVG": AggAvg,
}

func (p *Parser) parseSelect() (*SelectStatement, error) {
	if err := p.expectIdent("SELECT"); err != nil {
		return nil, err
	}

	var items []SelectItem
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}

	if err := p.expectIdent("FROM"); err != nil {
		return nil, err
	}
	table, err := p.parseName()
	if err != nil {
		return nil, err
	}

	var where []WhereAtom
	if p.isIdent("WHERE") {
		p.advance()
		for {
			atom, err := p.parseWhereAtom()
			if err != nil {
				return nil, err
			}
			where = append(where, atom)
			if p.isIdent("AND") {
				p.advance()
				continue
			}
			break
		}
	}

	var groupBy []string
	if p.isIdent("GROUP") {
		p.advance()
		if err := p.expectIdent("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.parseName()
			if err != nil {
				return nil, err
			}
			groupBy = append(groupBy, col)
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
	}

	stmt := &SelectStatement{TableName: table, Items: items, Where: where, GroupBy: groupBy}
	if err := validateSelectShape(stmt); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) parseSelectItem() (SelectItem, error) {
	t := p.cur()

	if t.Kind == TokPunct && t.Text == "*" {
		p.advance()
		return SelectItem{Star: true, Column: "*", Alias: "*"}, nil
	}

	if t.Kind == TokIdent {
		if fn, ok := aggFuncs[t.Text]; ok {
			// lookahead for '(' to distinguish an aggregate call from a
			// column literally named e.g. "count": without a '(' the word is
			// re-read below as a plain column name
			save := p.pos
			p.advance()
			if p.isPunct("(") {
				p.advance()
				star := false
				col := ""
				if p.isPunct("*") {
					star = true
					p.advance()
				} else {
					name, err := p.parseName()
					if err != nil {
						return SelectItem{}, err
					}
					col = name
				}
				if err := p.expectPunct(")"); err != nil {
					return SelectItem{}, err
				}
				if star && fn != AggCount {
					return SelectItem{}, &Error{Kind: ErrParseError, Message: fmt.Sprintf("%s(*) is not supported, only COUNT(*)", fn)}
				}
				alias := string(fn) + "_" + col
				if star {
					alias = "count_star"
				}
				if p.isIdent("AS") {
					p.advance()
					a, err := p.parseName()
					if err != nil {
						return SelectItem{}, err
					}
					alias = a
				}
				return SelectItem{Agg: fn, Column: col, Star: star, Alias: alias}, nil
			}
			p.pos = save
		}

		name, err := p.parseName()
		if err != nil {
			return SelectItem{}, err
		}
		alias := name
		if p.isIdent("AS") {
			p.advance()
			a, err := p.parseName()
			if err != nil {
				return SelectItem{}, err
			}
			alias = a
		}
		return SelectItem{Column: name, Alias: alias}, nil
	}

	return SelectItem{}, p.errorf([]string{"<column>", "<aggregate(...)>", "*"})
}

var compareOps = map[string]CompareOp{
	"=": OpEq, "!=": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe,
}

func (p *Parser) parseWhereAtom() (WhereAtom, error) {
	col, err := p.parseName()
	if err != nil {
		return WhereAtom{}, err
	}

	if p.isIdent("IS") {
		p.advance()
		negate := false
		if p.isIdent("NOT") {
			p.advance()
			negate = true
		}
		if err := p.expectIdent("NULL"); err != nil {
			return WhereAtom{}, err
		}
		return WhereAtom{Column: col, IsNull: true, Negate: negate}, nil
	}

	t := p.cur()
	if t.Kind != TokPunct {
		return WhereAtom{}, p.errorf([]string{"=", "!=", "<", "<=", ">", ">=", "IS"})
	}
	op, ok := compareOps[t.Text]
	if !ok {
		return WhereAtom{}, p.errorf([]string{"=", "!=", "<", "<=", ">", ">=", "IS"})
	}
	p.advance()

	lit, err := p.parseLiteral()
	if err != nil {
		return WhereAtom{}, err
	}

	return WhereAtom{Column: col, Op: op, Literal: lit}, nil
}

func (p *Parser) parseLiteral() (Value, error) {
	t := p.cur()
	switch {
	case t.Kind == TokNumber:
		p.advance()
		if strings.Contains(t.Text, ".") {
			f, err := strconv.ParseFloat(t.Text, 64)
			if err != nil {
				return Value{}, &Error{Kind: ErrParseError, Message: "invalid number literal at offset " + strconv.Itoa(t.Offset)}
			}
			return FloatValue(f), nil
		}
		i, err := strconv.ParseInt(t.Text, 10, 64)
		if err != nil {
			return Value{}, &Error{Kind: ErrParseError, Message: "invalid number literal at offset " + strconv.Itoa(t.Offset)}
		}
		return IntValue(i), nil

	case t.Kind == TokString:
		p.advance()
		return StringValue(t.Raw), nil

	case t.Kind == TokIdent && t.Text == "TRUE":
		p.advance()
		return BoolValue(true), nil

	case t.Kind == TokIdent && t.Text == "FALSE":
		p.advance()
		return BoolValue(false), nil

	case t.Kind == TokIdent && t.Text == "NULL":
		p.advance()
		return Null, nil

	default:
		return Value{}, p.errorf([]string{"<literal>"})
	}
}

// validateSelectShape enforces the static constraints from §4.1: if any
// aggregate appears, every non-aggregate projection must also appear in
// GROUP BY.
func validateSelectShape(s *SelectStatement) error {
	if !s.HasAggregate() {
		return nil
	}
	groupSet := make(map[string]bool, len(s.GroupBy))
	for _, g := range s.GroupBy {
		groupSet[g] = true
	}
	for _, item := range s.Items {
		if item.IsAggregate() {
			continue
		}
		if !groupSet[item.Column] {
			return &Error{Kind: ErrParseError, Message: fmt.Sprintf(
				"non-aggregate projection %q must appear in GROUP BY when the SELECT list contains an aggregate", item.Column)}
		}
	}
	return nil
}
