package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/japaniel/carvision/pkg/vehicle"
)

// DefaultPageSize is the saved-car page length.
const DefaultPageSize = 10

// MaxPageSize bounds the page length a caller may ask for.
const MaxPageSize = 100

// ErrNotFound is returned when no car is saved under a label.
var ErrNotFound = errors.New("saved car not found")

// DBExecutor is an interface that allows methods to accept either *sql.DB or *sql.Tx
type DBExecutor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// isUniqueConstraintErr returns true when the error indicates a unique/constraint violation
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unique") || strings.Contains(s, "constraint failed")
}

const carColumns = `id, label, make, model, year, record, photo_key, saved_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCar(r rowScanner) (SavedCar, error) {
	var c SavedCar
	var mk, model, photoKey sql.NullString
	var year sql.NullInt64
	var rec string
	if err := r.Scan(&c.ID, &c.Label, &mk, &model, &year, &rec, &photoKey, &c.SavedAt); err != nil {
		return SavedCar{}, err
	}
	c.Identity = vehicle.Identity{Make: mk.String, Model: model.String, Year: int(year.Int64)}
	c.PhotoKey = photoKey.String
	if err := json.Unmarshal([]byte(rec), &c.Record); err != nil {
		return SavedCar{}, fmt.Errorf("decode record of %q: %w", c.Label, err)
	}
	return c, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetSavedCar returns the car saved under label.
func GetSavedCar(db DBExecutor, label string) (SavedCar, error) {
	c, err := scanCar(db.QueryRow(`SELECT `+carColumns+` FROM saved_cars WHERE label = ?`, strings.TrimSpace(label)))
	if errors.Is(err, sql.ErrNoRows) {
		return SavedCar{}, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	if err != nil {
		return SavedCar{}, fmt.Errorf("get saved car: %w", err)
	}
	return c, nil
}

// IsSaved reports whether a car is saved under label.
func IsSaved(db DBExecutor, label string) (bool, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM saved_cars WHERE label = ?`, strings.TrimSpace(label)).Scan(&n); err != nil {
		return false, fmt.Errorf("check saved car: %w", err)
	}
	return n > 0, nil
}

// SaveCar inserts a car under label. The label's make, model and year are
// stored alongside when it parses.
func SaveCar(db DBExecutor, label string, rec vehicle.Record, photoKey string) (SavedCar, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return SavedCar{}, fmt.Errorf("label must be non-empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return SavedCar{}, fmt.Errorf("encode record: %w", err)
	}
	id, _ := vehicle.ParseIdentity(label)
	var year interface{}
	if id.Year != 0 {
		year = id.Year
	}
	now := time.Now().UTC().Truncate(time.Second)
	res, err := db.Exec(`INSERT INTO saved_cars (label, make, model, year, record, photo_key, saved_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		label, nullableString(id.Make), nullableString(id.Model), year, string(data), nullableString(photoKey), now)
	if err != nil {
		return SavedCar{}, err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return SavedCar{}, err
	}
	return SavedCar{ID: rowID, Label: label, Identity: id, Record: rec.Clone(), PhotoKey: photoKey, SavedAt: now}, nil
}

// DeleteSavedCar removes the car saved under label and returns it.
func DeleteSavedCar(db DBExecutor, label string) (SavedCar, error) {
	c, err := GetSavedCar(db, label)
	if err != nil {
		return SavedCar{}, err
	}
	res, err := db.Exec(`DELETE FROM saved_cars WHERE id = ?`, c.ID)
	if err != nil {
		return SavedCar{}, fmt.Errorf("delete saved car: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return SavedCar{}, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	return c, nil
}

// ToggleSavedCar saves the car when label is not saved and removes it
// otherwise. saved reports the new state; car is the inserted or removed row,
// so callers can release a removed car's photo.
func ToggleSavedCar(db DBExecutor, label string, rec vehicle.Record, photoKey string) (saved bool, car SavedCar, err error) {
	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		car, err = DeleteSavedCar(db, label)
		if err == nil {
			return false, car, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, SavedCar{}, err
		}

		car, err = SaveCar(db, label, rec, photoKey)
		if err == nil {
			return true, car, nil
		}
		// A concurrent toggle saved the same label first; look again.
		if isUniqueConstraintErr(err) {
			continue
		}
		return false, SavedCar{}, fmt.Errorf("save car: %w", err)
	}
	return false, SavedCar{}, fmt.Errorf("could not toggle %q after %d retries", label, maxRetries)
}

// CountSavedCars returns the number of saved cars.
func CountSavedCars(db DBExecutor) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM saved_cars`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListSavedCars returns one page of saved cars in the order they were saved.
// Pages are zero-based; perPage <= 0 means DefaultPageSize and larger values
// are capped at MaxPageSize.
func ListSavedCars(db DBExecutor, page, perPage int) (Page, error) {
	if page < 0 {
		return Page{}, fmt.Errorf("page must not be negative, got %d", page)
	}
	if perPage <= 0 {
		perPage = DefaultPageSize
	}
	if perPage > MaxPageSize {
		perPage = MaxPageSize
	}
	total, err := CountSavedCars(db)
	if err != nil {
		return Page{}, fmt.Errorf("count saved cars: %w", err)
	}
	out := Page{Page: page, PerPage: perPage, Total: total, Cars: []SavedCar{}}
	// Pages past the end are empty; checking first keeps page*perPage from
	// overflowing.
	if page > total/perPage {
		return out, nil
	}
	rows, err := db.Query(`SELECT `+carColumns+` FROM saved_cars ORDER BY id LIMIT ? OFFSET ?`, perPage, page*perPage)
	if err != nil {
		return Page{}, fmt.Errorf("list saved cars: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return Page{}, err
		}
		out.Cars = append(out.Cars, c)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return out, nil
}
