package dal

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

func TestStatementsCarryTenantPredicate(t *testing.T) {
	f := newFixture()
	tenantID := f.tenant(t)
	scope := f.scope(t, tenantID)
	table := widgetTable()
	plan, err := Bind(table, Query{}.Where("sku", OpPrefix, "A_%").Where("qty", OpIn, []any{1, 2}))
	require.NoError(t, err)
	row := &widget{ID: "w1", SKU: "A", Name: "a"}

	builders := map[string]func() (statement, error){
		"select": func() (statement, error) { return selectByID(scope, table, "w1") },
		"page":   func() (statement, error) { return selectPage(scope, table, plan) },
		"count":  func() (statement, error) { return countPage(scope, table, plan) },
		"insert": func() (statement, error) { return insertRow(scope, table, row) },
		"update": func() (statement, error) { return updateRow(scope, table, row) },
		"delete": func() (statement, error) { return deleteRow(scope, table, "w1") },
	}
	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			stmt, err := build()
			require.NoError(t, err)
			require.Equal(t, tenantID, stmt.Args[0])
			if name == "insert" {
				require.Contains(t, stmt.SQL, "(tenant_id, id,")
				return
			}
			require.Contains(t, stmt.SQL, "WHERE tenant_id = $1")
		})
	}
}

func TestStatementsWithoutScopeFail(t *testing.T) {
	table := widgetTable()
	var scope *tenancy.Scope
	_, err := selectByID(scope, table, "w1")
	require.ErrorIs(t, err, shared.ErrInvalidTenant)
	_, err = ownerOf(scope, table, "w1")
	require.ErrorIs(t, err, shared.ErrInvalidTenant)
}

func TestUpdateSkipsImmutableColumns(t *testing.T) {
	f := newFixture()
	scope := f.scope(t, f.tenant(t))
	stmt, err := updateRow(scope, widgetTable(), &widget{ID: "w1", SKU: "A", Name: "a", Qty: 9})
	require.NoError(t, err)
	require.NotContains(t, stmt.SQL, "qty =")
	require.NotContains(t, stmt.SQL, "created_at =")
	require.True(t, strings.HasSuffix(stmt.SQL, "WHERE tenant_id = $1 AND id = $2"))
	require.Equal(t, "w1", stmt.Args[1])
}

func TestPrefixIsEscaped(t *testing.T) {
	f := newFixture()
	scope := f.scope(t, f.tenant(t))
	plan, err := Bind(widgetTable(), Query{}.Where("sku", OpPrefix, "A_%"))
	require.NoError(t, err)
	stmt, err := selectPage(scope, widgetTable(), plan)
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, "sku LIKE $2")
	require.Equal(t, `A\_\%%`, stmt.Args[1])
	require.Contains(t, stmt.SQL, "ORDER BY sku ASC, id ASC LIMIT $3 OFFSET $4")
}

func TestConditionalUpdateStatement(t *testing.T) {
	f := newFixture()
	scope := f.scope(t, f.tenant(t))
	stmt, err := updateRow(scope, widgetTable(), &widget{ID: "w1", SKU: "A", Name: "b"}, Condition{Field: "name", Value: "a"})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(stmt.SQL, "WHERE tenant_id = $1 AND id = $2 AND name = $"+strconv.Itoa(len(stmt.Args))), stmt.SQL)
	require.Equal(t, "a", stmt.Args[len(stmt.Args)-1])

	_, err = updateRow(scope, widgetTable(), &widget{ID: "w1"}, Condition{Field: "colour", Value: "red"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
