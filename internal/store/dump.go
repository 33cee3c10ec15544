package store

import (
	"context"
	"fmt"

	"github.com/roach88/keel/internal/ir"
)

// Table names a table and the ORDER BY that makes its rows deterministic.
// OrderBy must be a total order (normally the primary key).
type Table struct {
	Name    string
	OrderBy string
}

// Dump reads every row of every table into an ir.Object keyed by table
// name. NULL columns are omitted; REAL columns are rejected because floats
// have no canonical form.
func (s *Store) Dump(ctx context.Context, tables []Table) (ir.Object, error) {
	out := make(ir.Object, len(tables))
	for _, t := range tables {
		rows, err := s.dumpTable(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t.Name] = rows
	}
	return out, nil
}

func (s *Store) dumpTable(ctx context.Context, t Table) (ir.Array, error) {
	// Table and column names come from projection code, never from input.
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", t.Name, t.OrderBy)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Classify("dump "+t.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, Classify("dump "+t.Name, err)
	}

	result := ir.Array{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Classify("dump "+t.Name, err)
		}

		row := make(ir.Object, len(cols))
		for i, col := range cols {
			v, ok, err := columnValue(values[i])
			if err != nil {
				return nil, fmt.Errorf("dump %s.%s: %w", t.Name, col, err)
			}
			if ok {
				row[col] = v
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("dump "+t.Name, err)
	}
	return result, nil
}

func columnValue(v any) (ir.Value, bool, error) {
	switch val := v.(type) {
	case nil:
		return nil, false, nil
	case int64:
		return ir.Int(val), true, nil
	case string:
		return ir.String(val), true, nil
	case []byte:
		return ir.String(string(val)), true, nil
	case bool:
		return ir.Bool(val), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported column type %T", v)
	}
}
