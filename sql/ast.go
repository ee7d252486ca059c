// Package sql parses the statement surface of the engine. The grammar is
// deliberately small: DDL for tables, indexes, materialized views, virtual
// tables, and triggers; VALUES-form INSERT; single-predicate DELETE and
// SELECT; transaction control; and VACUUM with its INTO variant.
package sql

import "strings"

// Statement is the top-level parse result; exactly one branch is set.
type Statement struct {
	CreateTable   *CreateTable   `  @@`
	CreateIndex   *CreateIndex   `| @@`
	CreateView    *CreateView    `| @@`
	CreateVirtual *CreateVirtual `| @@`
	CreateTrigger *CreateTrigger `| @@`
	DropTable     *DropTable     `| @@`
	Insert        *Insert        `| @@`
	Delete        *Delete        `| @@`
	Select        *Select        `| @@`
	Begin         bool           `| @"BEGIN"`
	Commit        bool           `| @"COMMIT"`
	Rollback      bool           `| @"ROLLBACK"`
	Vacuum        *Vacuum        `| @@`
}

// CreateTable is `CREATE TABLE name (col type, ...)`.
type CreateTable struct {
	Name    string      `"CREATE" "TABLE" @Ident`
	Columns []ColumnDef `"(" @@ ("," @@)* ")"`
}

// ColumnDef is one `name type` pair.
type ColumnDef struct {
	Name string `@Ident`
	Type string `@Ident`
}

// CreateIndex is `CREATE [UNIQUE] INDEX name ON table (col)`.
type CreateIndex struct {
	Unique bool   `"CREATE" @"UNIQUE"? "INDEX"`
	Name   string `@Ident`
	Table  string `"ON" @Ident`
	Column string `"(" @Ident ")"`
}

// CreateView is `CREATE MATERIALIZED VIEW name AS SELECT ...`.
type CreateView struct {
	Name  string  `"CREATE" "MATERIALIZED" "VIEW" @Ident`
	Query *Select `"AS" @@`
}

// CreateVirtual is `CREATE VIRTUAL TABLE name USING module`. Virtual
// tables own no pages; their catalog entry keeps the sentinel root.
type CreateVirtual struct {
	Name   string `"CREATE" "VIRTUAL" "TABLE" @Ident`
	Module string `"USING" @Ident`
}

// CreateTrigger is `CREATE TRIGGER name ON table`. Trigger bodies are not
// executed by this engine; the entry is schema-only and survives rebuilds
// verbatim.
type CreateTrigger struct {
	Name  string `"CREATE" "TRIGGER" @Ident`
	Table string `"ON" @Ident`
}

// DropTable is `DROP TABLE name`.
type DropTable struct {
	Name string `"DROP" "TABLE" @Ident`
}

// Insert is `INSERT INTO name VALUES (...), (...)`.
type Insert struct {
	Table string `"INSERT" "INTO" @Ident`
	Rows  []Row  `"VALUES" @@ ("," @@)*`
}

// Row is one parenthesized value list.
type Row struct {
	Values []Literal `"(" @@ ("," @@)* ")"`
}

// Delete is `DELETE FROM name [WHERE col = lit]`.
type Delete struct {
	Table string `"DELETE" "FROM" @Ident`
	Where *Where `@@?`
}

// Select is `SELECT */cols FROM name [WHERE col = lit] [ORDER BY col]`.
type Select struct {
	Star    bool     `"SELECT" ( @"*"`
	Columns []string `          | @Ident ("," @Ident)* )`
	Table   string   `"FROM" @Ident`
	Where   *Where   `@@?`
	OrderBy string   `("ORDER" "BY" @Ident)?`
}

// Where is the single supported predicate form, `col = literal`.
type Where struct {
	Column string  `"WHERE" @Ident`
	Value  Literal `"=" @@`
}

// Vacuum is `VACUUM [INTO 'path']`.
type Vacuum struct {
	Keyword bool    `@"VACUUM"`
	Into    *string `("INTO" @String)?`
}

// IntoPath returns the INTO destination with quotes stripped, or "".
func (v *Vacuum) IntoPath() string {
	if v.Into == nil {
		return ""
	}
	return strings.Trim(*v.Into, "'")
}

// Literal is an integer, string, or NULL constant.
type Literal struct {
	Null bool    `  @"NULL"`
	Int  *int64  `| @Number`
	Str  *string `| @String`
}

// Text returns the literal's string content with quotes stripped.
func (l Literal) Text() string {
	if l.Str == nil {
		return ""
	}
	return strings.Trim(*l.Str, "'")
}
