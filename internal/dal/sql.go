package dal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// statement is a parameterised SQL command. $1 is always the scope's tenant id.
type statement struct {
	SQL  string
	Args []any
}

type argList struct {
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return "$" + strconv.Itoa(len(a.args))
}

func scopedArgs(scope *tenancy.Scope) (*argList, error) {
	tenantID := scope.TenantID()
	if tenantID == "" {
		return nil, fmt.Errorf("%w: query without scope", shared.ErrInvalidTenant)
	}
	return &argList{args: []any{tenantID}}, nil
}

func selectList[T any](t *Table[T]) string {
	return "tenant_id, " + strings.Join(t.Columns, ", ")
}

func selectByID[T any](scope *tenancy.Scope, t *Table[T], id string) (statement, error) {
	args, err := scopedArgs(scope)
	if err != nil {
		return statement{}, err
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = $1 AND id = %s", selectList(t), t.Name, args.add(id))
	return statement{SQL: sql, Args: args.args}, nil
}

// ownerOf probes which tenant owns id. It is the only statement that does not
// filter on the scope tenant, and it returns nothing but the owner id. Row level
// security hides foreign rows, so the probe goes through a SECURITY DEFINER function.
func ownerOf[T any](scope *tenancy.Scope, t *Table[T], id string) (statement, error) {
	if scope.TenantID() == "" {
		return statement{}, fmt.Errorf("%w: query without scope", shared.ErrInvalidTenant)
	}
	return statement{SQL: "SELECT app_row_owner($1, $2)", Args: []any{t.Name, id}}, nil
}

func whereClause[T any](args *argList, plan *Plan[T]) string {
	conds := []string{"tenant_id = $1"}
	for _, p := range plan.preds {
		col := p.field.Column
		switch p.op {
		case OpPrefix:
			escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(p.value.(string))
			conds = append(conds, fmt.Sprintf("%s LIKE %s", col, args.add(escaped+"%")))
		case OpIn:
			ph := make([]string, len(p.values))
			for i, v := range p.values {
				ph[i] = args.add(v)
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(ph, ", ")))
		default:
			conds = append(conds, fmt.Sprintf("%s %s %s", col, sqlOps[p.op], args.add(p.value)))
		}
	}
	return "WHERE " + strings.Join(conds, " AND ")
}

func selectPage[T any](scope *tenancy.Scope, t *Table[T], plan *Plan[T]) (statement, error) {
	args, err := scopedArgs(scope)
	if err != nil {
		return statement{}, err
	}
	dir := "ASC"
	if plan.desc {
		dir = "DESC"
	}
	where := whereClause(args, plan)
	sql := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY %s %s, id ASC LIMIT %s OFFSET %s",
		selectList(t), t.Name, where, plan.sort.Column, dir, args.add(plan.limit), args.add(plan.offset))
	return statement{SQL: sql, Args: args.args}, nil
}

func countPage[T any](scope *tenancy.Scope, t *Table[T], plan *Plan[T]) (statement, error) {
	args, err := scopedArgs(scope)
	if err != nil {
		return statement{}, err
	}
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", t.Name, whereClause(args, plan))
	return statement{SQL: sql, Args: args.args}, nil
}

func insertRow[T any](scope *tenancy.Scope, t *Table[T], row *T) (statement, error) {
	args, err := scopedArgs(scope)
	if err != nil {
		return statement{}, err
	}
	values := t.Values(row)
	ph := []string{"$1"}
	for _, v := range values {
		ph = append(ph, args.add(v))
	}
	sql := fmt.Sprintf("INSERT INTO %s (tenant_id, %s) VALUES (%s)", t.Name, strings.Join(t.Columns, ", "), strings.Join(ph, ", "))
	return statement{SQL: sql, Args: args.args}, nil
}

func updateRow[T any](scope *tenancy.Scope, t *Table[T], row *T, cond ...Condition) (statement, error) {
	args, err := scopedArgs(scope)
	if err != nil {
		return statement{}, err
	}
	idArg := args.add(t.ID(row))
	values := t.Values(row)
	cols, idx := t.mutableColumns()
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, args.add(values[idx[i]]))
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = $1 AND id = %s", t.Name, strings.Join(sets, ", "), idArg)
	for _, c := range cond {
		f, ok := t.Fields[c.Field]
		if !ok {
			return statement{}, fmt.Errorf("%w: unknown condition field %q", shared.ErrValidation, c.Field)
		}
		sql += fmt.Sprintf(" AND %s = %s", f.Column, args.add(c.Value))
	}
	return statement{SQL: sql, Args: args.args}, nil
}

func deleteRow[T any](scope *tenancy.Scope, t *Table[T], id string) (statement, error) {
	args, err := scopedArgs(scope)
	if err != nil {
		return statement{}, err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = $1 AND id = %s", t.Name, args.add(id))
	return statement{SQL: sql, Args: args.args}, nil
}
