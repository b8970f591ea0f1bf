package schema

import (
	"errors"
	"testing"

	"export-service/pkg/export"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, e := range Entities() {
		s, err := Lookup(e)
		require.NoError(t, err)
		assert.Equal(t, e, s.Entity)
		assert.NotEmpty(t, s.Whitelist)
		assert.NotEmpty(t, s.SearchExprs)
	}

	_, err := Lookup("deals")
	assert.True(t, errors.Is(err, export.ErrInvalidEntity))
}

func TestEveryColumnIsWhitelisted(t *testing.T) {
	contacts, err := Lookup(export.EntityContacts)
	require.NoError(t, err)
	assert.Len(t, contacts.Whitelist, len(contactColumns))
	for _, c := range contactColumns {
		_, ok := contacts.Expr(string(c))
		assert.True(t, ok, "contact column %s", c)
	}

	companies, err := Lookup(export.EntityCompanies)
	require.NoError(t, err)
	assert.Len(t, companies.Whitelist, len(companyColumns))
	for _, c := range companyColumns {
		_, ok := companies.Expr(string(c))
		assert.True(t, ok, "company column %s", c)
	}
}

func TestUnknownColumnHasNoExpr(t *testing.T) {
	_, ok := ContactColumn("password_hash").Expr()
	assert.False(t, ok)

	s, err := Lookup(export.EntityContacts)
	require.NoError(t, err)
	_, ok = s.Expr("c.name; DROP TABLE contacts")
	assert.False(t, ok)
}

func TestContactsJoinCompanies(t *testing.T) {
	s, err := Lookup(export.EntityContacts)
	require.NoError(t, err)
	expr, ok := s.Expr(string(ContactCompanyName))
	require.True(t, ok)
	assert.Equal(t, "co.name", expr)
	assert.Contains(t, s.Join, "companies co")
	assert.Equal(t, "c.id", s.IDExpr())
}
