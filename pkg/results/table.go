// Package results collects sweep measurements into a table of named,
// unit-tagged columns and exports it as CSV.
package results

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"
)

// Column describes one table column.
type Column struct {
	Name string
	Unit string
}

// Header returns the column header as written to CSV, e.g. "Voltage 0 [V]".
func (c Column) Header() string {
	if c.Unit == "" {
		return c.Name
	}
	return c.Name + " [" + c.Unit + "]"
}

// Table is an append-only collection of rows. It is safe for concurrent use.
type Table struct {
	mu         sync.RWMutex
	columns    []Column
	rows       [][]float64
	attributes map[string]string
}

// New creates an empty table with the given columns.
func New(columns ...Column) *Table {
	return &Table{
		columns:    slices.Clone(columns),
		attributes: make(map[string]string),
	}
}

// Columns returns a copy of the column definitions.
func (t *Table) Columns() []Column {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.columns)
}

// AddRow appends one row. The number of values must match the number of columns.
func (t *Table) AddRow(values ...float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(values) != len(t.columns) {
		return fmt.Errorf("row has %d values, table has %d columns", len(values), len(t.columns))
	}
	t.rows = append(t.rows, slices.Clone(values))
	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Row returns a copy of row i.
func (t *Table) Row(i int) ([]float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if i < 0 || i >= len(t.rows) {
		return nil, fmt.Errorf("row %d out of range (table has %d rows)", i, len(t.rows))
	}
	return slices.Clone(t.rows[i]), nil
}

// Rows returns a copy of all rows.
func (t *Table) Rows() [][]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([][]float64, len(t.rows))
	for i, r := range t.rows {
		rows[i] = slices.Clone(r)
	}
	return rows
}

// SetAttribute stores free-form metadata (instrument, operator, sample id...).
func (t *Table) SetAttribute(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attributes[key] = value
}

// Attribute returns the value stored under key.
func (t *Table) Attribute(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.attributes[key]
	return v, ok
}

// Attributes returns a copy of all attributes.
func (t *Table) Attributes() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.attributes)
}

// WriteCSV writes the table as CSV. When attributes are present they are
// written first as a single "% ATTRIBUTES: {json}" comment line.
func (t *Table) WriteCSV(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.attributes) > 0 {
		attrs, err := json.Marshal(t.attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%% ATTRIBUTES: %s\n", attrs); err != nil {
			return fmt.Errorf("failed to write attributes: %w", err)
		}
	}

	cw := csv.NewWriter(w)

	header := make([]string, len(t.columns))
	for i, c := range t.columns {
		header[i] = c.Header()
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	record := make([]string, len(t.columns))
	for _, row := range t.rows {
		for i, v := range row {
			record[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
