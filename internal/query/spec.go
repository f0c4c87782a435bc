// Package query describes read-model lookups independently of the store
// that answers them.
package query

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var ErrUnknownField = errors.New("unknown query field")

// MaxLimit caps the page size of any query.
const MaxLimit = 1000

type Op string

const (
	Eq   Op = "="
	Ne   Op = "<>"
	Lt   Op = "<"
	Le   Op = "<="
	Gt   Op = ">"
	Ge   Op = ">="
	Like Op = "LIKE"
	In   Op = "IN"
)

type Criterion struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Desc  bool
}

// Spec is an immutable set of criteria, ordering and paging. The zero value
// matches everything. Builder methods return a modified copy.
type Spec struct {
	criteria []Criterion
	order    []Order
	limit    int
	offset   int
}

func New() Spec { return Spec{} }

// Where adds a criterion; criteria are combined with AND. For In, value must
// be a slice.
func (s Spec) Where(field string, op Op, value any) Spec {
	s.criteria = append(append([]Criterion(nil), s.criteria...), Criterion{Field: field, Op: op, Value: value})
	return s
}

func (s Spec) OrderBy(field string, desc bool) Spec {
	s.order = append(append([]Order(nil), s.order...), Order{Field: field, Desc: desc})
	return s
}

// Page limits the result to limit rows after skipping offset.
func (s Spec) Page(limit, offset int) Spec {
	s.limit, s.offset = limit, offset
	return s
}

func (s Spec) Criteria() []Criterion { return append([]Criterion(nil), s.criteria...) }

func (s Spec) Ordering() []Order { return append([]Order(nil), s.order...) }

// Limit returns the effective page size, 0 meaning MaxLimit.
func (s Spec) Limit() int {
	if s.limit <= 0 || s.limit > MaxLimit {
		return MaxLimit
	}
	return s.limit
}

func (s Spec) Offset() int { return max(s.offset, 0) }

// Columns maps the field names a read model exposes to its SQL columns.
// Fields not listed cannot be queried.
type Columns map[string]string

// SQL renders the spec as a clause to append to a SELECT, using ? for
// arguments. The caller rebinds the full statement for its dialect.
func (s Spec) SQL(cols Columns) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)
	for i, c := range s.criteria {
		col, ok := cols[c.Field]
		if !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownField, c.Field)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		switch c.Op {
		case Eq, Ne, Lt, Le, Gt, Ge, Like:
			b.WriteString(col + " " + string(c.Op) + " ?")
			args = append(args, c.Value)
		case In:
			values, err := expand(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("field %q: %w", c.Field, err)
			}
			if len(values) == 0 {
				b.WriteString("1 = 0")
				continue
			}
			b.WriteString(col + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")")
			args = append(args, values...)
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
	}

	for i, o := range s.order {
		col, ok := cols[o.Field]
		if !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownField, o.Field)
		}
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(col)
		if o.Desc {
			b.WriteString(" DESC")
		}
	}

	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, s.Limit(), s.Offset())
	return b.String(), args, nil
}

func expand(v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("IN needs a slice, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
