// Package api serves the resolver, part descriptions and saved cars over
// HTTP with JSON bodies.
package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/japaniel/carvision/pkg/annotation"
	"github.com/japaniel/carvision/pkg/classify"
	"github.com/japaniel/carvision/pkg/db"
	"github.com/japaniel/carvision/pkg/metrics"
	"github.com/japaniel/carvision/pkg/photo"
	"github.com/japaniel/carvision/pkg/resolver"
	"github.com/japaniel/carvision/pkg/vehicle"
)

const maxUpload = 50 << 20

// Classifier is the subset of classify.Client the handlers use.
type Classifier interface {
	Classify(ctx context.Context, photo []byte) (classify.Prediction, error)
	CheckHealth(ctx context.Context) error
}

// Deps are the handler's collaborators. Classifier, DB, Photos and Gatherer
// are optional; routes needing a missing one answer 503.
type Deps struct {
	Logger     *log.Logger
	Resolver   *resolver.Resolver
	Classifier Classifier
	DB         *sql.DB
	Photos     photo.Store
	Metrics    *metrics.Collector
	Gatherer   prometheus.Gatherer
}

type Handler struct {
	d Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

// Routes returns the API mux wrapped in CORS handling.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /resolve", h.ResolveHandler)
	mux.HandleFunc("POST /describe", h.DescribeHandler)
	mux.HandleFunc("POST /classify", h.ClassifyHandler)
	mux.HandleFunc("GET /saved", h.ListSavedHandler)
	mux.HandleFunc("POST /saved", h.ToggleSavedHandler)
	mux.HandleFunc("GET /photos/{key...}", h.PhotoHandler)
	mux.HandleFunc("GET /health", h.HealthHandler)
	if h.d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.d.Gatherer, promhttp.HandlerOpts{}))
	}
	return corsMiddleware(mux)
}

func (h *Handler) logf(format string, args ...any) {
	if h.d.Logger != nil {
		h.d.Logger.Printf(format, args...)
	}
}

type resolveRequest struct {
	Label string `json:"label"`
}

// ResolveResponse is the body of a successful /resolve or /classify call.
type ResolveResponse struct {
	Label      string           `json:"label"`
	Identity   vehicle.Identity `json:"identity"`
	Match      string           `json:"match"`
	Record     vehicle.Record   `json:"record"`
	Card       annotation.Card  `json:"card"`
	Confidence float64          `json:"confidence,omitempty"`
}

func (h *Handler) resolve(label string) (ResolveResponse, error) {
	id, res, err := h.d.Resolver.LookupLabel(label)
	if err != nil {
		return ResolveResponse{}, err
	}
	h.d.Metrics.Resolve(res.Kind.String())
	return ResolveResponse{
		Label:    label,
		Identity: id,
		Match:    res.Kind.String(),
		Record:   res.Record,
		Card:     annotation.Summary(label, res.Record),
	}, nil
}

// ResolveHandler handles POST /resolve.
func (h *Handler) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.resolve(req.Label)
	if errors.Is(err, vehicle.ErrUnparsableIdentity) {
		respondError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, out, http.StatusOK)
}

type describeRequest struct {
	Part   string          `json:"part"`
	Label  string          `json:"label,omitempty"`
	Record *vehicle.Record `json:"record,omitempty"`
}

// DescribeHandler handles POST /describe. The record comes from the request
// body, or from resolving label when no record is sent. An unparsable label
// describes the part with no record, so every key reads "not available".
func (h *Handler) DescribeHandler(w http.ResponseWriter, r *http.Request) {
	var req describeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var rec vehicle.Record
	var match string
	switch {
	case req.Record != nil:
		rec = *req.Record
	case req.Label != "":
		out, err := h.resolve(req.Label)
		switch {
		case errors.Is(err, vehicle.ErrUnparsableIdentity):
			h.logf("describe: %v", err)
			match = "unavailable"
		case err != nil:
			respondError(w, err.Error(), http.StatusInternalServerError)
			return
		default:
			rec, match = out.Record, out.Match
		}
	}
	part := annotation.ParsePartTag(req.Part)
	h.d.Metrics.Gesture("tap")
	body := map[string]string{
		"part": part.String(),
		"text": annotation.DescribeTap(part, rec),
	}
	if match != "" {
		body["match"] = match
	}
	respondJSON(w, body, http.StatusOK)
}

func readUpload(r *http.Request) ([]byte, bool, error) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		return nil, false, fmt.Errorf("failed to parse form: %w", err)
	}
	file, _, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read file: %w", err)
	}
	return data, true, nil
}

// ClassifyHandler handles POST /classify with a multipart "file" photo.
func (h *Handler) ClassifyHandler(w http.ResponseWriter, r *http.Request) {
	if h.d.Classifier == nil {
		respondError(w, "classifier not configured", http.StatusServiceUnavailable)
		return
	}
	data, ok, err := readUpload(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		respondError(w, "no file uploaded", http.StatusBadRequest)
		return
	}
	start := time.Now()
	pred, err := h.d.Classifier.Classify(r.Context(), data)
	h.d.Metrics.Classify(time.Since(start), err)
	if errors.Is(err, classify.ErrUnsupportedImage) {
		respondError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		respondError(w, fmt.Sprintf("classification failed: %v", err), http.StatusBadGateway)
		return
	}
	out, err := h.resolve(pred.Label)
	if err != nil {
		respondError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	out.Confidence = pred.Confidence
	respondJSON(w, out, http.StatusOK)
}

// ListSavedHandler handles GET /saved?page=N&per_page=M.
func (h *Handler) ListSavedHandler(w http.ResponseWriter, r *http.Request) {
	if h.d.DB == nil {
		respondError(w, "saved cars not configured", http.StatusServiceUnavailable)
		return
	}
	page, err1 := queryInt(r, "page", 0)
	perPage, err2 := queryInt(r, "per_page", db.DefaultPageSize)
	if err := errors.Join(err1, err2); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := db.ListSavedCars(h.d.DB, page, perPage)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, out, http.StatusOK)
}

// ToggleSavedResponse reports the state after a toggle.
type ToggleSavedResponse struct {
	Saved bool        `json:"saved"`
	Car   db.SavedCar `json:"car"`
}

// ToggleSavedHandler handles POST /saved, a multipart form with a "label"
// field and an optional "file" photo. It saves the resolved car or removes it
// when already saved.
func (h *Handler) ToggleSavedHandler(w http.ResponseWriter, r *http.Request) {
	if h.d.DB == nil {
		respondError(w, "saved cars not configured", http.StatusServiceUnavailable)
		return
	}
	data, hasPhoto, err := readUpload(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	label := r.FormValue("label")
	out, err := h.resolve(label)
	if err != nil {
		respondError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	var key string
	if hasPhoto && h.d.Photos != nil {
		format, err := classify.DetectFormat(data)
		if err != nil {
			respondError(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		key = photo.NewKey(format)
		if _, err := h.d.Photos.Put(r.Context(), key, bytes.NewReader(data), ""); err != nil {
			respondError(w, fmt.Sprintf("store photo: %v", err), http.StatusInternalServerError)
			return
		}
	}

	saved, car, err := db.ToggleSavedCar(h.d.DB, label, out.Record, key)
	if err != nil {
		h.dropPhoto(r.Context(), key)
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !saved {
		// The upload belonged to a save that turned out to be a removal.
		h.dropPhoto(r.Context(), key)
		h.dropPhoto(r.Context(), car.PhotoKey)
	}
	respondJSON(w, ToggleSavedResponse{Saved: saved, Car: car}, http.StatusOK)
}

func (h *Handler) dropPhoto(ctx context.Context, key string) {
	if key == "" || h.d.Photos == nil {
		return
	}
	if err := h.d.Photos.Delete(ctx, key); err != nil && !errors.Is(err, photo.ErrNotFound) {
		h.logf("delete photo %s: %v", key, err)
	}
}

// PhotoHandler handles GET /photos/{key...}.
func (h *Handler) PhotoHandler(w http.ResponseWriter, r *http.Request) {
	if h.d.Photos == nil {
		respondError(w, "photo store not configured", http.StatusServiceUnavailable)
		return
	}
	info, rc, err := h.d.Photos.Get(r.Context(), r.PathValue("key"))
	if errors.Is(err, photo.ErrNotFound) {
		respondError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", info.ContentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logf("send photo %s: %v", info.Key, err)
	}
}

// HealthHandler reports service health and, when configured, whether the
// classifier is reachable.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "rows": h.d.Resolver.Len()}
	if h.d.Classifier != nil {
		if err := h.d.Classifier.CheckHealth(r.Context()); err != nil {
			out["classifier"] = err.Error()
		} else {
			out["classifier"] = "ok"
		}
	}
	respondJSON(w, out, http.StatusOK)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

// corsMiddleware adds permissive CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
