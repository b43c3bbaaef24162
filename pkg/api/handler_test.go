package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/japaniel/carvision/pkg/classify"
	"github.com/japaniel/carvision/pkg/dataset"
	"github.com/japaniel/carvision/pkg/db"
	"github.com/japaniel/carvision/pkg/metrics"
	"github.com/japaniel/carvision/pkg/photo"
	photofs "github.com/japaniel/carvision/pkg/photo/fs"
	"github.com/japaniel/carvision/pkg/resolver"
)

type fakeClassifier struct {
	label string
	err   error
}

func (f *fakeClassifier) Classify(ctx context.Context, data []byte) (classify.Prediction, error) {
	if _, err := classify.DetectFormat(data); err != nil {
		return classify.Prediction{}, err
	}
	if f.err != nil {
		return classify.Prediction{}, f.err
	}
	return classify.Prediction{Label: f.label, Confidence: 0.9}, nil
}

func (f *fakeClassifier) CheckHealth(ctx context.Context) error { return f.err }

type testServer struct {
	*httptest.Server
	photos *photofs.Store
	reg    *prometheus.Registry
}

func newTestServer(t *testing.T, cls Classifier) *testServer {
	t.Helper()
	tbl, err := dataset.LoadFile("../dataset/testdata/cars.csv")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	photos, err := photofs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	h := NewHandler(Deps{
		Resolver:   resolver.New(tbl),
		Classifier: cls,
		DB:         conn,
		Photos:     photos,
		Metrics:    metrics.New(reg),
		Gatherer:   reg,
	})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, photos: photos, reg: reg}
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

func pngPhoto(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, fields map[string]string, file []byte) (io.Reader, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if file != nil {
		part, err := w.CreateFormFile("file", "car.png")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(file)
	}
	w.Close()
	return body, w.FormDataContentType()
}

func TestResolveHandler(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, out := postJSON(t, srv.URL+"/resolve", `{"label":"Toyota Camry 2020"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["match"] != "exact" {
		t.Errorf("match = %v", out["match"])
	}
	card := out["card"].(map[string]any)
	if card["name"] != "Toyota" {
		t.Errorf("card = %v", card)
	}

	_, out = postJSON(t, srv.URL+"/resolve", `{"label":"Honda Civic Type R 2018"}`)
	if out["match"] != "fuzzy" || out["record"].(map[string]any)["Year"] != "2015" {
		t.Errorf("fuzzy resolve = %v", out)
	}

	_, out = postJSON(t, srv.URL+"/resolve", `{"label":"Tesla Model 3 2021"}`)
	if out["match"] != "none" || len(out["record"].(map[string]any)) != 0 {
		t.Errorf("no-match resolve = %v", out)
	}

	resp, _ = postJSON(t, srv.URL+"/resolve", `{"label":"Camry"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unparsable label status = %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/resolve", `{"lable":"typo"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", resp.StatusCode)
	}
}

func TestDescribeHandler(t *testing.T) {
	srv := newTestServer(t, nil)
	tests := []struct {
		body string
		want string
	}{
		{`{"part":"door","label":"Toyota Camry 2019"}`, "Vehicle Style: Sedan"},
		{`{"part":"car","record":{"Vehicle Size":"Large"}}`, "Vehicle Size: Large"},
		{`{"part":"window"}`, "Window_Type not available"},
		{`{"part":"spoiler"}`, "Tap on the car to get info"},
	}
	for _, tt := range tests {
		resp, out := postJSON(t, srv.URL+"/describe", tt.body)
		if resp.StatusCode != http.StatusOK || out["text"] != tt.want {
			t.Errorf("describe %s = %d %v; want %q", tt.body, resp.StatusCode, out, tt.want)
		}
	}
}

func TestDescribeUnparsableLabel(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, out := postJSON(t, srv.URL+"/describe", `{"part":"engine","label":"BMW 2019"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["match"] != "unavailable" {
		t.Errorf("match = %v", out["match"])
	}
	text, _ := out["text"].(string)
	if !strings.HasPrefix(text, "Engine HP not available\n") || !strings.HasSuffix(text, "MSRP not available") {
		t.Errorf("text = %q", text)
	}

	_, out = postJSON(t, srv.URL+"/describe", `{"part":"door","label":"Toyota Camry 2019"}`)
	if out["match"] != "exact" {
		t.Errorf("match for resolved label = %v", out["match"])
	}
}

func TestClassifyHandler(t *testing.T) {
	srv := newTestServer(t, &fakeClassifier{label: "Toyota Camry 2020"})
	body, ct := multipartBody(t, nil, pngPhoto(t))
	resp, err := http.Post(srv.URL+"/classify", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out ResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || out.Match != "exact" || out.Confidence != 0.9 {
		t.Fatalf("classify = %d %+v", resp.StatusCode, out)
	}

	body, ct = multipartBody(t, nil, []byte("not an image"))
	resp2, _ := http.Post(srv.URL+"/classify", ct, body)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("bad photo status = %d", resp2.StatusCode)
	}

	body, ct = multipartBody(t, nil, nil)
	resp3, _ := http.Post(srv.URL+"/classify", ct, body)
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Errorf("missing file status = %d", resp3.StatusCode)
	}
}

func TestClassifyWithoutClassifier(t *testing.T) {
	srv := newTestServer(t, nil)
	body, ct := multipartBody(t, nil, pngPhoto(t))
	resp, _ := http.Post(srv.URL+"/classify", ct, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func toggle(t *testing.T, srv *testServer, label string, file []byte) ToggleSavedResponse {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{"label": label}, file)
	resp, err := http.Post(srv.URL+"/saved", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("toggle status = %d: %s", resp.StatusCode, msg)
	}
	var out ToggleSavedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSavedCarsFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	first := toggle(t, srv, "Toyota Camry 2020", pngPhoto(t))
	if !first.Saved || first.Car.PhotoKey == "" {
		t.Fatalf("first toggle = %+v", first)
	}
	if _, rc, err := srv.photos.Get(ctx, first.Car.PhotoKey); err != nil {
		t.Fatalf("photo not stored: %v", err)
	} else {
		rc.Close()
	}

	resp, err := http.Get(srv.URL + "/photos/" + first.Car.PhotoKey)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" || !bytes.Equal(data, pngPhoto(t)) {
		t.Fatalf("photo download = %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	toggle(t, srv, "Honda Civic 2015", nil)

	resp, err = http.Get(srv.URL + "/saved?page=0&per_page=1")
	if err != nil {
		t.Fatal(err)
	}
	var page db.Page
	json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if page.Total != 2 || len(page.Cars) != 1 || page.Cars[0].Label != "Toyota Camry 2020" {
		t.Fatalf("page = %+v", page)
	}
	if v, _ := page.Cars[0].Record.Get("MSRP"); v == "" {
		t.Fatalf("saved record lost attributes: %v", page.Cars[0].Record.Map())
	}

	second := toggle(t, srv, "Toyota Camry 2020", nil)
	if second.Saved || second.Car.PhotoKey != first.Car.PhotoKey {
		t.Fatalf("second toggle = %+v", second)
	}
	if _, _, err := srv.photos.Get(ctx, first.Car.PhotoKey); !errors.Is(err, photo.ErrNotFound) {
		t.Fatalf("photo of removed car kept: %v", err)
	}

	resp, _ = http.Get(srv.URL + "/photos/" + first.Car.PhotoKey)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted photo status = %d", resp.StatusCode)
	}
	resp, _ = http.Get(srv.URL + "/saved?page=x")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad page status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/saved?page=9223372036854775807&per_page=10")
	if err != nil {
		t.Fatal(err)
	}
	page = db.Page{}
	json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(page.Cars) != 0 || page.Total != 1 {
		t.Fatalf("huge page = %d %+v", resp.StatusCode, page)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeClassifier{err: errors.New("classifier unhealthy: 500")})
	postJSON(t, srv.URL+"/resolve", `{"label":"Toyota Camry 2020"}`)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" || health["rows"] != float64(5) || health["classifier"] != "classifier unhealthy: 500" {
		t.Fatalf("health = %v", health)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `carvision_resolves_total{kind="exact"} 1`) {
		t.Fatalf("metrics missing resolve counter:\n%s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/resolve", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}
