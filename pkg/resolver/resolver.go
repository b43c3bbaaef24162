// Package resolver finds the dataset row that best describes a recognized
// vehicle. An exact make/model/year row wins outright; otherwise the row of
// the same make whose model contains, or is contained by, the target model
// and whose year is closest is used.
package resolver

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/japaniel/carvision/pkg/dataset"
	"github.com/japaniel/carvision/pkg/vehicle"
)

// MatchKind tells which rule produced a Result.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchFuzzy
)

var matchNames = [...]string{"none", "exact", "fuzzy"}

func (k MatchKind) String() string {
	if int(k) < len(matchNames) {
		return matchNames[k]
	}
	return "unknown"
}

// Result is the outcome of a resolution. Record is zero when Kind is MatchNone.
type Result struct {
	Record vehicle.Record
	Kind   MatchKind
}

// Found reports whether any row matched.
func (r Result) Found() bool { return r.Kind != MatchNone }

// RowSource yields records in file order and io.EOF at the end.
// *dataset.Reader and *dataset.TableIter both satisfy it.
type RowSource interface {
	Next() (vehicle.Record, error)
}

// Resolve scans src for the best match for id. Scanning stops at the first
// exact match. Only read errors from src are returned.
func Resolve(src RowSource, id vehicle.Identity) (Result, error) {
	m := matcher{id: id}
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if m.offer(rec) {
			break
		}
	}
	return m.result(), nil
}

// ResolveReader parses a raw dataset and resolves id against it. It fails
// with vehicle.ErrMalformedDataset when the dataset has no header.
func ResolveReader(r io.Reader, id vehicle.Identity) (Result, error) {
	rd, err := dataset.NewReader(r)
	if err != nil {
		return Result{}, err
	}
	return Resolve(rd, id)
}

// matcher accumulates the scan state for one identity.
type matcher struct {
	id vehicle.Identity

	exact    vehicle.Record
	hasExact bool

	closest     vehicle.Record
	closestDiff int
	hasClosest  bool
}

// offer considers one row and reports whether it was an exact match.
func (m *matcher) offer(rec vehicle.Record) bool {
	mk, ok := rec.Get(vehicle.ColMake)
	if !ok || mk != m.id.Make {
		return false
	}
	model, ok := rec.Get(vehicle.ColModel)
	if !ok {
		return false
	}
	yearStr, ok := rec.Get(vehicle.ColYear)
	if !ok {
		return false
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return false
	}

	if model == m.id.Model && year == m.id.Year {
		m.exact, m.hasExact = rec, true
		return true
	}
	if strings.Contains(model, m.id.Model) || strings.Contains(m.id.Model, model) {
		diff := abs(year - m.id.Year)
		// strict comparison keeps the first row on ties
		if !m.hasClosest || diff < m.closestDiff {
			m.closest, m.closestDiff, m.hasClosest = rec, diff, true
		}
	}
	return false
}

func (m *matcher) result() Result {
	switch {
	case m.hasExact:
		return Result{Record: m.exact.Clone(), Kind: MatchExact}
	case m.hasClosest:
		return Result{Record: m.closest.Clone(), Kind: MatchFuzzy}
	default:
		return Result{Kind: MatchNone}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Resolver answers repeated lookups against an in-memory table.
type Resolver struct {
	// Logger is used for lookup diagnostics. nil means no logging.
	Logger *log.Logger

	// index maps a make to its rows in file order. Only rows of the target
	// make can influence a result, so scanning the bucket is equivalent to
	// scanning the whole table. It is never written after New, so lookups
	// may run concurrently.
	index map[string][]vehicle.Record
	rows  int
}

// New builds a Resolver over t.
func New(t *dataset.Table) *Resolver {
	idx := make(map[string][]vehicle.Record)
	for _, rec := range t.Rows {
		mk, ok := rec.Get(vehicle.ColMake)
		if !ok {
			continue
		}
		idx[mk] = append(idx[mk], rec)
	}
	return &Resolver{index: idx, rows: len(t.Rows)}
}

// Len returns the number of rows in the underlying table.
func (r *Resolver) Len() int { return r.rows }

// Lookup resolves id against the table.
func (r *Resolver) Lookup(id vehicle.Identity) Result {
	bucket := r.index[id.Make]

	m := matcher{id: id}
	for _, rec := range bucket {
		if m.offer(rec) {
			break
		}
	}
	res := m.result()
	if r.Logger != nil {
		r.Logger.Printf("resolve %q: %s match (%d candidates)", id.String(), res.Kind, len(bucket))
	}
	return res
}

// LookupLabel parses a classifier label and resolves it.
func (r *Resolver) LookupLabel(label string) (vehicle.Identity, Result, error) {
	id, err := vehicle.ParseIdentity(label)
	if err != nil {
		return vehicle.Identity{}, Result{}, err
	}
	return id, r.Lookup(id), nil
}

// Makes returns how many distinct makes the table holds.
func (r *Resolver) Makes() int {
	return len(r.index)
}

// String is used in startup logging.
func (r *Resolver) String() string {
	return fmt.Sprintf("resolver(%d rows, %d makes)", r.Len(), r.Makes())
}
