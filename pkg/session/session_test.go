package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/japaniel/carvision/pkg/annotation"
	"github.com/japaniel/carvision/pkg/classify"
	"github.com/japaniel/carvision/pkg/dataset"
	"github.com/japaniel/carvision/pkg/metrics"
	"github.com/japaniel/carvision/pkg/resolver"
	"github.com/japaniel/carvision/pkg/vehicle"
)

const carsCSV = `Make,Model,Year,Engine HP,Engine Cylinders,Vehicle Style
Toyota,Camry,2019,203,4,Sedan
Toyota,Camry,2020,206,4,Sedan
Honda,Civic,2015,143,4,Coupe
`

func testResolver(t *testing.T) *resolver.Resolver {
	t.Helper()
	tbl, err := dataset.Load(strings.NewReader(carsCSV))
	if err != nil {
		t.Fatal(err)
	}
	return resolver.New(tbl)
}

// gatedClassifier answers with the photo bytes as label. Photos listed in
// gates block until their channel is closed.
type gatedClassifier struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	err   error
}

func (g *gatedClassifier) Classify(ctx context.Context, photo []byte) (classify.Prediction, error) {
	g.mu.Lock()
	gate := g.gates[string(photo)]
	err := g.err
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return classify.Prediction{}, ctx.Err()
		}
	}
	if err != nil {
		return classify.Prediction{}, err
	}
	return classify.Prediction{Label: string(photo), Confidence: 1}, nil
}

var front = annotation.Observer{Forward: r3.Vec{Z: -1}}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlacementLifecycle(t *testing.T) {
	ctx := context.Background()
	var available []bool
	s := New(nil, testResolver(t), Options{
		OnPlacementAvailable: func(v bool) { available = append(available, v) },
	})
	defer s.Close()

	if _, ok, err := s.Tap(ctx, "engine"); err != nil || ok {
		t.Fatalf("tap while empty = %v, %v", ok, err)
	}
	pose, ok, err := s.Add(ctx, front)
	if err != nil || !ok {
		t.Fatalf("Add = %v, %v", ok, err)
	}
	if pose.Position != (r3.Vec{Z: -371}) {
		t.Fatalf("position = %+v", pose.Position)
	}
	if _, ok, _ := s.Add(ctx, front); ok {
		t.Fatal("second Add placed a car")
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != annotation.StateEmpty || !snap.Available {
		t.Fatalf("snapshot = %+v", snap)
	}
	// Callbacks run on the loop; the Snapshot round-trip orders this read.
	if len(available) != 2 || available[0] || !available[1] {
		t.Fatalf("placement-available signals = %v", available)
	}
}

func TestRecognizeLabelThenTap(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	s := New(nil, testResolver(t), Options{Metrics: metrics.New(reg)})
	defer s.Close()

	rec, err := s.RecognizeLabel(ctx, "Toyota Camry 2020")
	if err != nil || rec.Err != nil {
		t.Fatalf("RecognizeLabel = %+v, %v", rec, err)
	}
	if rec.Result.Kind != resolver.MatchExact || rec.Card.Power != "206 hp" {
		t.Fatalf("recognition = %+v", rec)
	}
	s.Add(ctx, front)
	text, ok, err := s.Tap(ctx, "door")
	if err != nil || !ok || text != "Vehicle Style: Sedan" {
		t.Fatalf("Tap = %q, %v, %v", text, ok, err)
	}
	if got := counter(t, reg, "carvision_resolves_total"); got != 1 {
		t.Errorf("resolves = %v", got)
	}
	if got := counter(t, reg, "carvision_gestures_total"); got != 1 {
		t.Errorf("gestures = %v", got)
	}

	rec, _ = s.RecognizeLabel(ctx, "BMW 2019")
	if !errors.Is(rec.Err, vehicle.ErrUnparsableIdentity) {
		t.Fatalf("err = %v", rec.Err)
	}
	snap, _ := s.Snapshot(ctx)
	if snap.Label != "" || !snap.Record.IsZero() {
		t.Fatalf("failed recognition kept %q %v", snap.Label, snap.Record.Keys())
	}
	text, _, _ = s.Tap(ctx, "engine")
	if !strings.HasPrefix(text, "Engine HP not available\nEngine Cylinders not available") {
		t.Fatalf("Tap after failed recognition = %q", text)
	}
}

func TestRecognizePhoto(t *testing.T) {
	ctx := context.Background()
	got := make(chan Recognition, 1)
	s := New(&gatedClassifier{}, testResolver(t), Options{
		OnRecognized: func(r Recognition) { got <- r },
	})
	defer s.Close()

	if err := s.Recognize(ctx, []byte("Honda Civic Type R 2018")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if r.Err != nil || r.Result.Kind != resolver.MatchFuzzy {
			t.Fatalf("recognition = %+v", r)
		}
		if v, _ := r.Result.Record.Get("Year"); v != "2015" {
			t.Fatalf("fuzzy year = %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no recognition delivered")
	}
}

func TestRecognizeClassifierError(t *testing.T) {
	got := make(chan Recognition, 1)
	boom := errors.New("model offline")
	s := New(&gatedClassifier{err: boom}, testResolver(t), Options{
		OnRecognized: func(r Recognition) { got <- r },
	})
	defer s.Close()
	if err := s.Recognize(context.Background(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if !errors.Is(r.Err, boom) {
			t.Fatalf("err = %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no recognition delivered")
	}
}

func TestClassifierErrorClearsRecord(t *testing.T) {
	ctx := context.Background()
	cls := &gatedClassifier{}
	got := make(chan Recognition, 1)
	s := New(cls, testResolver(t), Options{
		OnRecognized: func(r Recognition) { got <- r },
	})
	defer s.Close()

	if _, err := s.RecognizeLabel(ctx, "Toyota Camry 2020"); err != nil {
		t.Fatal(err)
	}
	<-got
	cls.mu.Lock()
	cls.err = errors.New("model offline")
	cls.mu.Unlock()
	if err := s.Recognize(ctx, []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no recognition delivered")
	}
	s.Add(ctx, front)
	text, _, _ := s.Tap(ctx, "door")
	if text != "Vehicle Style not available" {
		t.Fatalf("Tap = %q", text)
	}
}

func TestStaleRecognitionDropped(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	gate := make(chan struct{})
	cls := &gatedClassifier{gates: map[string]chan struct{}{"Toyota Camry 2019": gate}}
	got := make(chan Recognition, 2)
	s := New(cls, testResolver(t), Options{
		Workers:      2,
		Metrics:      metrics.New(reg),
		OnRecognized: func(r Recognition) { got <- r },
	})
	defer s.Close()

	if err := s.Recognize(ctx, []byte("Toyota Camry 2019")); err != nil {
		t.Fatal(err)
	}
	if err := s.Recognize(ctx, []byte("Toyota Camry 2020")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if r.Label != "Toyota Camry 2020" {
			t.Fatalf("first delivered = %q", r.Label)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("newer recognition not delivered")
	}

	close(gate)
	waitFor(t, func() bool { return counter(t, reg, "carvision_stale_results_total") == 1 })
	select {
	case r := <-got:
		t.Fatalf("stale recognition delivered: %+v", r)
	default:
	}
	snap, _ := s.Snapshot(ctx)
	if v, _ := snap.Record.Get("Year"); v != "2020" {
		t.Fatalf("record year = %q", v)
	}
}

func TestResetAbandonsRecognition(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	gate := make(chan struct{})
	cls := &gatedClassifier{gates: map[string]chan struct{}{"Honda Civic 2015": gate}}
	s := New(cls, testResolver(t), Options{Metrics: metrics.New(reg)})
	defer s.Close()

	if err := s.Recognize(ctx, []byte("Honda Civic 2015")); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	close(gate)
	waitFor(t, func() bool { return counter(t, reg, "carvision_stale_results_total") == 1 })
	snap, _ := s.Snapshot(ctx)
	if !snap.Record.IsZero() {
		t.Fatalf("abandoned recognition applied: %v", snap.Record.Map())
	}
}

func TestGestures(t *testing.T) {
	ctx := context.Background()
	var poses []annotation.Pose
	s := New(nil, testResolver(t), Options{OnPose: func(p annotation.Pose) { poses = append(poses, p) }})
	defer s.Close()

	if _, ok, _ := s.Pan(ctx, 10, 0); ok {
		t.Fatal("pan accepted while empty")
	}
	s.Add(ctx, front)
	s.Pan(ctx, 0, 45)
	p, ok, err := s.Pan(ctx, 0, 45)
	if err != nil || !ok {
		t.Fatalf("Pan = %v, %v", ok, err)
	}
	if v := p.Rotate(r3.Vec{Y: 1}); r3.Norm(r3.Sub(v, r3.Vec{Z: 1})) > 1e-9 {
		t.Fatalf("two 45px ticks rotated Y to %+v", v)
	}

	s.Pinch(ctx, 2)
	p, _, _ = s.Pinch(ctx, 1.5)
	if r3.Norm(r3.Sub(p.Scale, r3.Vec{X: 3, Y: 3, Z: 3})) > 1e-9 {
		t.Fatalf("scale = %+v", p.Scale)
	}
	p, _, _ = s.Pinch(ctx, -1)
	if r3.Norm(r3.Sub(p.Scale, r3.Vec{X: 3, Y: 3, Z: 3})) > 1e-9 {
		t.Fatalf("negative pinch applied: %+v", p.Scale)
	}
	p, _, _ = s.Pinch(ctx, 2)
	if r3.Norm(r3.Sub(p.Scale, r3.Vec{X: 6, Y: 6, Z: 6})) > 1e-9 {
		t.Fatalf("pinch after a discarded one = %+v", p.Scale)
	}

	s.Snapshot(ctx)
	// one Add, two pans, four pinches
	if len(poses) != 7 {
		t.Fatalf("pose callbacks = %d", len(poses))
	}
}

func TestGesturesWhileEmptyDiscarded(t *testing.T) {
	ctx := context.Background()
	s := New(nil, testResolver(t), Options{})
	defer s.Close()

	s.Pinch(ctx, 2)
	s.Pinch(ctx, 3)
	s.Pan(ctx, 30, 0)
	s.Add(ctx, front)

	p, ok, err := s.Pinch(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("Pinch = %v, %v", ok, err)
	}
	if p.Scale != (r3.Vec{X: 1, Y: 1, Z: 1}) {
		t.Fatalf("scale after empty pinches = %+v", p.Scale)
	}
	p, _, _ = s.Pan(ctx, 0, 0)
	if v := p.Rotate(r3.Vec{X: 1}); r3.Norm(r3.Sub(v, r3.Vec{X: 1})) > 1e-9 {
		t.Fatalf("pan while empty leaked into orientation: X -> %+v", v)
	}
}

func TestClosedSession(t *testing.T) {
	s := New(&gatedClassifier{}, testResolver(t), Options{})
	s.Close()
	s.Close()
	ctx := context.Background()
	if _, _, err := s.Tap(ctx, "door"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Tap err = %v", err)
	}
	if err := s.Recognize(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recognize err = %v", err)
	}
}

func TestRecognizeWithoutClassifier(t *testing.T) {
	s := New(nil, testResolver(t), Options{})
	defer s.Close()
	if err := s.Recognize(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error")
	}
}
