// Package dataset reads the vehicle reference table: a comma-delimited text
// file whose first non-blank line is the header. Fields are split naively
// (no quoting) and trimmed.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/japaniel/carvision/pkg/vehicle"
)

// Delimiter separates fields within a row.
const Delimiter = ","

// maxLineSize bounds a single row; real rows are a few hundred bytes.
const maxLineSize = 1024 * 1024

// Reader streams records from a dataset in file order.
type Reader struct {
	sc     *bufio.Scanner
	header []string
	line   int
}

// NewReader reads the header row and returns a Reader positioned at the first
// data row. It fails with vehicle.ErrMalformedDataset when the input has no
// header.
func NewReader(r io.Reader) (*Reader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	rd := &Reader{sc: sc}

	raw, ok, err := rd.nextLine()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no header row", vehicle.ErrMalformedDataset)
	}
	header := SplitRow(raw)
	empty := true
	for _, h := range header {
		if h != "" {
			empty = false
			break
		}
	}
	if empty {
		return nil, fmt.Errorf("%w: header row on line %d has no column names", vehicle.ErrMalformedDataset, rd.line)
	}
	rd.header = header
	return rd, nil
}

// nextLine returns the next non-blank line.
func (rd *Reader) nextLine() (string, bool, error) {
	for rd.sc.Scan() {
		rd.line++
		text := rd.sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		return text, true, nil
	}
	return "", false, rd.sc.Err()
}

// Header returns a copy of the column names.
func (rd *Reader) Header() []string {
	out := make([]string, len(rd.header))
	copy(out, rd.header)
	return out
}

// Line returns the 1-based line number of the row most recently returned.
func (rd *Reader) Line() int { return rd.line }

// Next returns the next record, or io.EOF once the input is exhausted.
func (rd *Reader) Next() (vehicle.Record, error) {
	raw, ok, err := rd.nextLine()
	if err != nil {
		return vehicle.Record{}, err
	}
	if !ok {
		return vehicle.Record{}, io.EOF
	}
	return vehicle.NewRecord(rd.header, SplitRow(raw)), nil
}

// SplitRow splits a raw line on the delimiter and trims every field.
func SplitRow(line string) []string {
	fields := strings.Split(line, Delimiter)
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// Table is a dataset held fully in memory.
type Table struct {
	Header []string
	Rows   []vehicle.Record
}

// Load reads a whole dataset into memory.
func Load(r io.Reader) (*Table, error) {
	rd, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	t := &Table{Header: rd.Header()}
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", rd.Line()+1, err)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// LoadFile opens path and loads it with Load.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", path, err)
	}
	return t, nil
}

// Iter returns an iterator over the table in file order.
func (t *Table) Iter() *TableIter {
	return &TableIter{rows: t.Rows}
}

// TableIter walks a Table. It satisfies the same Next contract as Reader.
type TableIter struct {
	rows []vehicle.Record
	pos  int
}

// Next returns the next row or io.EOF.
func (it *TableIter) Next() (vehicle.Record, error) {
	if it.pos >= len(it.rows) {
		return vehicle.Record{}, io.EOF
	}
	rec := it.rows[it.pos]
	it.pos++
	return rec, nil
}
