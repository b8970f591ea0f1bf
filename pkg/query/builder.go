// Package query turns an export request into a parametrized SELECT. Only expressions taken
// from the schema whitelist are ever written into the statement text; every caller value is
// bound as a parameter.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"export-service/pkg/export"
	"export-service/pkg/schema"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page limits an interactive listing. Export runs never set one.
type Page struct {
	Number int
	Size   int
}

type Request struct {
	Entity  export.Entity
	Mode    export.Mode
	Headers []string
	IDs     []string
	Query   *export.Query
	Page    *Page
}

type Statement struct {
	SQL  string
	Args []any
}

type builder struct {
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Build validates req against the entity's whitelist and returns the statement to run.
func Build(req Request) (Statement, error) {
	s, err := schema.Lookup(req.Entity)
	if err != nil {
		return Statement{}, err
	}
	if len(req.Headers) == 0 {
		return Statement{}, fmt.Errorf("%w: no headers requested", export.ErrInvalidRequest)
	}

	projection := make([]string, 0, len(req.Headers))
	for _, h := range req.Headers {
		expr, ok := s.Expr(h)
		if !ok {
			return Statement{}, &export.InvalidHeaderError{Entity: req.Entity, Header: h}
		}
		// h is a whitelist key at this point, safe to quote as an identifier.
		projection = append(projection, fmt.Sprintf("%s AS %q", expr, h))
	}

	b := &builder{}
	var where []string
	var orderBy string

	switch req.Mode {
	case export.ModeSelected:
		if len(req.IDs) == 0 {
			return Statement{}, export.ErrMissingSelection
		}
		where = append(where, fmt.Sprintf("%s = ANY(%s)", s.IDExpr(), b.bind(req.IDs)))
	case export.ModeFiltered:
		where, orderBy = filtered(s, b, req.Query)
	default:
		return Statement{}, fmt.Errorf("%w: unknown mode %q", export.ErrInvalidRequest, req.Mode)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(projection, ", "))
	fmt.Fprintf(&sb, " FROM %s %s", s.Table, s.Alias)
	if s.Join != "" {
		sb.WriteString(" ")
		sb.WriteString(s.Join)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(orderBy)
	}
	if req.Page != nil {
		number, size := req.Page.Number, req.Page.Size
		if number < 1 {
			number = 1
		}
		if size <= 0 {
			size = DefaultPageSize
		}
		if size > MaxPageSize {
			size = MaxPageSize
		}
		fmt.Fprintf(&sb, " LIMIT %s OFFSET %s", b.bind(size), b.bind((number-1)*size))
	}

	return Statement{SQL: sb.String(), Args: b.args}, nil
}

func filtered(s *schema.Schema, b *builder, q *export.Query) ([]string, string) {
	if q == nil {
		return nil, ""
	}
	var where []string

	if search := strings.TrimSpace(q.Search); search != "" {
		p := b.bind("%" + likeEscaper.Replace(search) + "%")
		branches := make([]string, len(s.SearchExprs))
		for i, expr := range s.SearchExprs {
			branches[i] = fmt.Sprintf("%s ILIKE %s", expr, p)
		}
		where = append(where, "("+strings.Join(branches, " OR ")+")")
	}

	// Sorted so the same filters always produce the same statement.
	fields := make([]string, 0, len(q.Filters))
	for field := range q.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		column, ok := s.Filters[field]
		if !ok {
			continue
		}
		values := q.Filters[field]
		if len(values) == 0 {
			continue
		}
		where = append(where, fmt.Sprintf("%s = ANY(%s)", column, b.bind(values)))
	}

	var orderBy string
	if expr, ok := s.Expr(q.SortBy); ok && q.SortBy != "" {
		dir := "ASC"
		if strings.EqualFold(q.SortOrder, "desc") {
			dir = "DESC"
		}
		orderBy = expr + " " + dir
	}
	return where, orderBy
}
