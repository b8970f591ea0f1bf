// Package schema holds the static description of every exportable entity: where its rows
// live and which header keys may be projected.
package schema

import (
	"fmt"

	"export-service/pkg/export"
)

// Schema is immutable once built. Whitelist is the only source of SQL text for a
// caller-supplied header key.
type Schema struct {
	Entity    export.Entity
	Table     string
	Alias     string
	Join      string
	Whitelist map[string]string
	// SearchExprs are matched case-insensitively against the free-text search.
	SearchExprs []string
	// Filters maps a filter field name from the search screen to the column it constrains.
	Filters map[string]string
}

// Expr resolves a header key through the whitelist.
func (s *Schema) Expr(header string) (string, bool) {
	expr, ok := s.Whitelist[header]
	return expr, ok
}

// IDExpr is the qualified primary key column.
func (s *Schema) IDExpr() string {
	return s.Alias + ".id"
}

var registry = map[export.Entity]*Schema{
	export.EntityContacts: {
		Entity:    export.EntityContacts,
		Table:     "contacts",
		Alias:     "c",
		Join:      "LEFT JOIN companies co ON co.id = c.company_id",
		Whitelist: whitelist(contactColumns),
		SearchExprs: []string{
			"c.name", "c.email", "co.name",
		},
		Filters: map[string]string{
			"jobTitles":   "c.job_title",
			"seniorities": "c.seniority",
			"departments": "c.department",
			"cities":      "c.city",
			"countries":   "c.country",
			"companyIds":  "c.company_id::text",
		},
	},
	export.EntityCompanies: {
		Entity:    export.EntityCompanies,
		Table:     "companies",
		Alias:     "co",
		Whitelist: whitelist(companyColumns),
		SearchExprs: []string{
			"co.name", "co.domain",
		},
		Filters: map[string]string{
			"industries": "co.industry",
			"sizes":      "co.size",
			"cities":     "co.city",
			"countries":  "co.country",
		},
	},
}

func whitelist[C interface {
	~string
	Expr() (string, bool)
}](cols []C) map[string]string {
	m := make(map[string]string, len(cols))
	for _, c := range cols {
		if expr, ok := c.Expr(); ok {
			m[string(c)] = expr
		}
	}
	return m
}

// Lookup returns the schema registered for entity.
func Lookup(entity export.Entity) (*Schema, error) {
	s, ok := registry[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", export.ErrInvalidEntity, entity)
	}
	return s, nil
}

// Entities lists every registered entity.
func Entities() []export.Entity {
	return []export.Entity{export.EntityContacts, export.EntityCompanies}
}
