package sql

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/cockroachdb/errors"
)

var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Number", Pattern: `-?\d+`},
	{Name: "String", Pattern: `'[^']*'`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[(),.*=;]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var parser = participle.MustBuild[Statement](
	participle.Lexer(sqlLexer),
	participle.CaseInsensitive("Ident"),
	participle.Elide("Whitespace"),
	participle.UseLookahead(4),
)

// Parse parses a single statement. A trailing semicolon is tolerated.
func Parse(text string) (*Statement, error) {
	stmt, err := parser.ParseString("", trimSemicolon(text))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", text)
	}
	return stmt, nil
}

func trimSemicolon(text string) string {
	for len(text) > 0 {
		last := text[len(text)-1]
		if last == ';' || last == ' ' || last == '\n' || last == '\t' {
			text = text[:len(text)-1]
			continue
		}
		break
	}
	return text
}
