package dal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidFilter rejects predicates outside a table's whitelist.
var ErrInvalidFilter = errors.New("dal: invalid filter")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Op is a whitelisted comparison operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpPrefix Op = "prefix"
	OpIn     Op = "in"
)

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

// FieldType declares how predicate values are coerced and compared.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldDecimal
	FieldBool
	FieldTime
)

// Predicate is one (field, operator, value) triple.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Sort orders a listing by one whitelisted field.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Query describes a listing. Predicates are AND-ed.
type Query struct {
	Filter []Predicate `json:"filter"`
	Sort   Sort        `json:"sort"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// Where appends a predicate and returns the query.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filter = append(append([]Predicate(nil), q.Filter...), Predicate{Field: field, Op: op, Value: value})
	return q
}

// Field describes a filterable or sortable column of T.
type Field[T any] struct {
	Column string
	Type   FieldType
	// Get returns the normalised value: string, int64, decimal.Decimal, bool or time.Time.
	Get func(*T) any
}

type boundPredicate[T any] struct {
	field  Field[T]
	op     Op
	value  any
	values []any
}

// Plan is a validated query bound to one table.
type Plan[T any] struct {
	table       *Table[T]
	preds       []boundPredicate[T]
	sort        Field[T]
	desc        bool
	limit       int
	offset      int
	fingerprint string
}

// Limit returns the effective page size.
func (p *Plan[T]) Limit() int { return p.limit }

// Offset returns the effective offset.
func (p *Plan[T]) Offset() int { return p.offset }

// Fingerprint returns the deterministic digest of the validated query.
func (p *Plan[T]) Fingerprint() string { return p.fingerprint }

// Bind validates q against the table whitelist.
func Bind[T any](table *Table[T], q Query) (*Plan[T], error) {
	plan := &Plan[T]{table: table, limit: q.Limit, offset: q.Offset}
	if plan.limit <= 0 {
		plan.limit = defaultLimit
	}
	if plan.limit > maxLimit {
		plan.limit = maxLimit
	}
	if plan.offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidFilter)
	}

	canon := make([]string, 0, len(q.Filter))
	for _, p := range q.Filter {
		field, ok := table.Fields[p.Field]
		if !ok {
			return nil, fmt.Errorf("%w: field %q not filterable on %s", ErrInvalidFilter, p.Field, table.Kind)
		}
		bp := boundPredicate[T]{field: field, op: p.Op}
		switch p.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			v, err := coerce(field.Type, p.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, p.Field, err)
			}
			bp.value = v
		case OpPrefix:
			if field.Type != FieldString {
				return nil, fmt.Errorf("%w: prefix on non-string field %q", ErrInvalidFilter, p.Field)
			}
			s, ok := p.Value.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("%w: prefix needs a non-empty string", ErrInvalidFilter)
			}
			bp.value = s
		case OpIn:
			raw, err := toSlice(p.Value)
			if err != nil || len(raw) == 0 {
				return nil, fmt.Errorf("%w: in needs a non-empty list", ErrInvalidFilter)
			}
			for _, item := range raw {
				v, err := coerce(field.Type, item)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, p.Field, err)
				}
				bp.values = append(bp.values, v)
			}
		default:
			return nil, fmt.Errorf("%w: operator %q", ErrInvalidFilter, p.Op)
		}
		plan.preds = append(plan.preds, bp)
		canon = append(canon, canonical(p.Field, bp))
	}

	sortField := q.Sort.Field
	if sortField == "" {
		sortField = table.DefaultSort
	}
	field, ok := table.Fields[sortField]
	if !ok {
		return nil, fmt.Errorf("%w: cannot sort by %q", ErrInvalidFilter, sortField)
	}
	plan.sort = field
	plan.desc = q.Sort.Desc

	sort.Strings(canon)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%t|%d|%d", table.Kind, sortField, plan.desc, plan.limit, plan.offset)
	for _, c := range canon {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	plan.fingerprint = hex.EncodeToString(h.Sum(nil)[:16])
	return plan, nil
}

// Fingerprint validates q and returns its digest.
func Fingerprint[T any](table *Table[T], q Query) (string, error) {
	plan, err := Bind(table, q)
	if err != nil {
		return "", err
	}
	return plan.fingerprint, nil
}

func canonical[T any](name string, bp boundPredicate[T]) string {
	if bp.op == OpIn {
		parts := make([]string, len(bp.values))
		for i, v := range bp.values {
			parts[i] = render(v)
		}
		sort.Strings(parts)
		return name + "\x1f" + string(bp.op) + "\x1f" + strings.Join(parts, "\x1e")
	}
	return name + "\x1f" + string(bp.op) + "\x1f" + render(bp.value)
}

func render(v any) string {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func toSlice(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case []int64:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported list %T", v)
}

func coerce(t FieldType, v any) (any, error) {
	switch t {
	case FieldString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case FieldInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x == float64(int64(x)) {
				return int64(x), nil
			}
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case FieldDecimal:
		switch x := v.(type) {
		case decimal.Decimal:
			return x, nil
		case string:
			return decimal.NewFromString(x)
		case float64:
			return decimal.NewFromFloat(x), nil
		case int:
			return decimal.NewFromInt(int64(x)), nil
		case int64:
			return decimal.NewFromInt(x), nil
		}
	case FieldBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	case FieldTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339, x)
			if err != nil {
				return nil, err
			}
			return ts.UTC(), nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) does not fit field type", v, v)
}

func compare(t FieldType, a, b any) int {
	switch t {
	case FieldInt:
		x, y := a.(int64), b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case FieldDecimal:
		return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
	case FieldBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case FieldTime:
		return a.(time.Time).Compare(b.(time.Time))
	default:
		return strings.Compare(a.(string), b.(string))
	}
}

func (bp boundPredicate[T]) match(row *T) bool {
	got := bp.field.Get(row)
	switch bp.op {
	case OpEq:
		return compare(bp.field.Type, got, bp.value) == 0
	case OpNe:
		return compare(bp.field.Type, got, bp.value) != 0
	case OpLt:
		return compare(bp.field.Type, got, bp.value) < 0
	case OpLte:
		return compare(bp.field.Type, got, bp.value) <= 0
	case OpGt:
		return compare(bp.field.Type, got, bp.value) > 0
	case OpGte:
		return compare(bp.field.Type, got, bp.value) >= 0
	case OpPrefix:
		return strings.HasPrefix(got.(string), bp.value.(string))
	case OpIn:
		for _, v := range bp.values {
			if compare(bp.field.Type, got, v) == 0 {
				return true
			}
		}
	}
	return false
}
