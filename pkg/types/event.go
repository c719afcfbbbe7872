// Package types defines the record types shared between collectors,
// the event buffer, and the durable store.
package types

import "fmt"

// Event is a single collected record destined for one store table.
// Events live in memory only; they are consumed exactly once when the
// buffer flushes them into the store.
type Event struct {
	// Table is the destination table name. It must be one of the
	// store's known tables or the batch containing it is rejected.
	Table string

	// Columns are the destination column names, in value order.
	Columns []string

	// Values holds one value per column.
	Values []interface{}
}

// NewEvent constructs an Event for the given table.
func NewEvent(table string, columns []string, values ...interface{}) Event {
	return Event{Table: table, Columns: columns, Values: values}
}

// Validate checks the structural invariants of an event: the column
// list and value tuple must have the same arity, and column names must
// be unique within the record.
func (e Event) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("event: empty table name")
	}
	if len(e.Columns) == 0 {
		return fmt.Errorf("event: no columns for table %s", e.Table)
	}
	if len(e.Columns) != len(e.Values) {
		return fmt.Errorf("event: table %s has %d columns but %d values",
			e.Table, len(e.Columns), len(e.Values))
	}
	seen := make(map[string]struct{}, len(e.Columns))
	for _, col := range e.Columns {
		if _, dup := seen[col]; dup {
			return fmt.Errorf("event: duplicate column %s for table %s", col, e.Table)
		}
		seen[col] = struct{}{}
	}
	return nil
}
