// Package session drives one annotation view: it serializes user input and
// classifier results through a single event loop so the controller's pose is
// never observed half-updated.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/japaniel/carvision/pkg/annotation"
	"github.com/japaniel/carvision/pkg/classify"
	"github.com/japaniel/carvision/pkg/metrics"
	"github.com/japaniel/carvision/pkg/resolver"
	"github.com/japaniel/carvision/pkg/vehicle"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("session closed")

// Classifier turns a photo into a label.
type Classifier interface {
	Classify(ctx context.Context, photo []byte) (classify.Prediction, error)
}

// Lookup resolves a label to an attribute record.
type Lookup interface {
	LookupLabel(label string) (vehicle.Identity, resolver.Result, error)
}

// Recognition is the outcome of identifying a vehicle.
type Recognition struct {
	Label    string
	Identity vehicle.Identity
	Result   resolver.Result
	Card     annotation.Card
	Err      error
}

// Options configures a Session. Callbacks run on the event loop and must not
// call back into the session.
type Options struct {
	Logger     *log.Logger
	Metrics    *metrics.Collector
	Annotation annotation.Config
	// Workers bounds concurrent classifier calls.
	Workers int

	OnText               func(string)
	OnPose               func(annotation.Pose)
	OnPlacementAvailable func(bool)
	OnRecognized         func(Recognition)
}

// Snapshot is a copy of the view state.
type Snapshot struct {
	State     annotation.State
	Pose      annotation.Pose
	Text      string
	Label     string
	Record    vehicle.Record
	Available bool
}

// Session owns an annotation.Controller and the goroutine that mutates it.
type Session struct {
	cls  Classifier
	res  Lookup
	opts Options

	ctrl  *annotation.Controller
	pan   annotation.PanGesture
	pinch *annotation.PinchGesture
	gen   uint64
	label string

	events    chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	pool      *WorkerPool
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New starts a session. cls may be nil when only labels are recognized. Close
// releases the loop and the classifier workers.
func New(cls Classifier, res Lookup, opts Options) *Session {
	s := &Session{
		cls:      cls,
		res:      res,
		opts:     opts,
		ctrl:     annotation.NewController(opts.Annotation),
		pinch:    annotation.NewPinchGesture(),
		events:   make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.ctrl.Logger = opts.Logger
	s.pool = NewWorkerPool(opts.Workers, 0)
	s.pool.OnError = func(err error) { s.logf("classifier job: %v", err) }
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pool.Start(ctx)
	go s.loop()
	return s
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post runs fn on the event loop and waits for it.
func (s *Session) post(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(done) }:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Close stops the event loop and cancels in-flight classifier calls.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.loopDone
		s.cancel()
		s.pool.Close()
	})
}

func (s *Session) emitText() {
	if s.opts.OnText != nil {
		s.opts.OnText(s.ctrl.Text())
	}
}

func (s *Session) emitPose(p annotation.Pose) {
	if s.opts.OnPose != nil {
		s.opts.OnPose(p)
	}
}

func (s *Session) emitAvailable() {
	if s.opts.OnPlacementAvailable != nil {
		s.opts.OnPlacementAvailable(s.ctrl.PlacementAvailable())
	}
}

// Add places a car in front of obs. ok is false when one is already placed.
func (s *Session) Add(ctx context.Context, obs annotation.Observer) (pose annotation.Pose, ok bool, err error) {
	err = s.post(ctx, func() {
		pose, ok = s.ctrl.Add(obs)
		if !ok {
			return
		}
		s.pan = annotation.PanGesture{}
		s.pinch = annotation.NewPinchGesture()
		s.opts.Metrics.Placement()
		s.emitPose(pose)
		s.emitAvailable()
		s.emitText()
	})
	return pose, ok, err
}

// Reset tears the view down. In-flight recognitions are abandoned.
func (s *Session) Reset(ctx context.Context) error {
	return s.post(ctx, func() {
		s.gen++
		s.ctrl.Reset()
		s.pan = annotation.PanGesture{}
		s.pinch = annotation.NewPinchGesture()
		s.emitAvailable()
		s.emitText()
	})
}

// Tap reports a hit test result ("" for none) and returns the display text.
func (s *Session) Tap(ctx context.Context, hitName string) (text string, ok bool, err error) {
	err = s.post(ctx, func() {
		text, ok = s.ctrl.Tap(hitName)
		if ok {
			s.opts.Metrics.Gesture("tap")
			s.emitText()
		}
	})
	return text, ok, err
}

// Pan feeds one drag tick.
func (s *Session) Pan(ctx context.Context, dx, dy float64) (pose annotation.Pose, ok bool, err error) {
	err = s.post(ctx, func() {
		s.pan.Translate(dx, dy)
		pose, ok = s.ctrl.Pan(&s.pan)
		if !ok {
			s.pan = annotation.PanGesture{}
			return
		}
		s.opts.Metrics.Gesture("pan")
		s.emitPose(pose)
	})
	return pose, ok, err
}

// Pinch feeds one pinch tick with the factor accumulated since the last tick.
func (s *Session) Pinch(ctx context.Context, factor float64) (pose annotation.Pose, ok bool, err error) {
	err = s.post(ctx, func() {
		s.pinch.Scale *= factor
		pose, ok = s.ctrl.Pinch(s.pinch)
		if !ok {
			s.pinch = annotation.NewPinchGesture()
			return
		}
		s.opts.Metrics.Gesture("pinch")
		s.emitPose(pose)
	})
	return pose, ok, err
}

// RecognizeLabel resolves label and makes its record the one parts describe.
func (s *Session) RecognizeLabel(ctx context.Context, label string) (rec Recognition, err error) {
	err = s.post(ctx, func() {
		s.gen++
		rec = s.apply(label, nil)
	})
	return rec, err
}

// Recognize classifies photo in the background. The result is delivered to
// OnRecognized unless a later Recognize, RecognizeLabel or Reset superseded
// it.
func (s *Session) Recognize(ctx context.Context, photo []byte) error {
	if s.cls == nil {
		return fmt.Errorf("no classifier configured")
	}
	var gen uint64
	if err := s.post(ctx, func() {
		s.gen++
		gen = s.gen
	}); err != nil {
		return err
	}
	return s.pool.SubmitCtx(ctx, func(jobCtx context.Context) error {
		start := time.Now()
		pred, err := s.cls.Classify(jobCtx, photo)
		s.opts.Metrics.Classify(time.Since(start), err)
		deliver := func() {
			if gen != s.gen {
				s.opts.Metrics.Stale()
				s.logf("dropping stale recognition %q", pred.Label)
				return
			}
			s.apply(pred.Label, err)
		}
		select {
		case s.events <- deliver:
			return nil
		case <-s.quit:
			return err
		}
	})
}

// apply runs on the loop.
func (s *Session) apply(label string, clsErr error) Recognition {
	rec := Recognition{Label: label, Err: clsErr}
	if clsErr == nil {
		rec.Identity, rec.Result, rec.Err = s.res.LookupLabel(label)
	}
	if rec.Err == nil {
		s.opts.Metrics.Resolve(rec.Result.Kind.String())
		s.label = label
		s.ctrl.SetRecord(rec.Result.Record)
		rec.Card = annotation.Summary(label, rec.Result.Record)
	} else {
		s.logf("recognition of %q failed: %v", label, rec.Err)
		s.label = ""
		s.ctrl.SetRecord(vehicle.Record{})
	}
	if s.opts.OnRecognized != nil {
		s.opts.OnRecognized(rec)
	}
	return rec
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot(ctx context.Context) (snap Snapshot, err error) {
	err = s.post(ctx, func() {
		snap.State = s.ctrl.State()
		snap.Pose, _ = s.ctrl.Pose()
		snap.Text = s.ctrl.Text()
		snap.Label = s.label
		snap.Record = s.ctrl.Record()
		snap.Available = s.ctrl.PlacementAvailable()
	})
	return snap, err
}
