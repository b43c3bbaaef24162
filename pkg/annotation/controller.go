package annotation

import (
	"log"

	"github.com/japaniel/carvision/pkg/vehicle"
)

// State is the placement state of the annotation view.
type State int

const (
	// StateEmpty means no car is displayed and one may be added.
	StateEmpty State = iota
	// StatePlaced means a car is displayed; further adds are ignored.
	StatePlaced
)

func (s State) String() string {
	if s == StatePlaced {
		return "placed"
	}
	return "empty"
}

// Config holds the placement and gesture constants.
type Config struct {
	BackOffset      float64
	DegreesPerPixel float64
}

// DefaultConfig returns the stock constants.
func DefaultConfig() Config {
	return Config{BackOffset: DefaultBackOffset, DegreesPerPixel: DefaultDegreesPerPixel}
}

// PanGesture accumulates drag translation between controller updates, like a
// platform pan recognizer. The controller zeroes it after each use.
type PanGesture struct {
	DX, DY float64
}

// Translate adds a drag delta.
func (g *PanGesture) Translate(dx, dy float64) {
	g.DX += dx
	g.DY += dy
}

// PinchGesture accumulates a relative scale factor. The controller resets it
// to 1 after each use.
type PinchGesture struct {
	Scale float64
}

// NewPinchGesture returns a gesture at factor 1.
func NewPinchGesture() *PinchGesture { return &PinchGesture{Scale: 1} }

// Controller owns the displayed car: its placement state, its pose, and the
// attribute record its parts describe. It is not safe for concurrent use;
// callers serialize events through a single goroutine.
type Controller struct {
	// Logger is used for state transitions. nil means no logging.
	Logger *log.Logger

	cfg    Config
	state  State
	pose   Pose
	parts  []Part
	record vehicle.Record
	text   string
}

// NewController returns a controller in the Empty state. Zero config fields
// fall back to the defaults.
func NewController(cfg Config) *Controller {
	if cfg.BackOffset == 0 {
		cfg.BackOffset = DefaultBackOffset
	}
	if cfg.DegreesPerPixel == 0 {
		cfg.DegreesPerPixel = DefaultDegreesPerPixel
	}
	return &Controller{cfg: cfg, text: TapPrompt}
}

// SetRecord replaces the attribute record the parts describe. A zero record
// clears it.
func (c *Controller) SetRecord(rec vehicle.Record) {
	c.record = rec.Clone()
}

// Record returns a copy of the current record.
func (c *Controller) Record() vehicle.Record { return c.record.Clone() }

// State returns the placement state.
func (c *Controller) State() State { return c.state }

// PlacementAvailable reports whether Add would place a car.
func (c *Controller) PlacementAvailable() bool { return c.state == StateEmpty }

// Pose returns the displayed car's pose. ok is false while Empty.
func (c *Controller) Pose() (Pose, bool) {
	if c.state != StatePlaced {
		return Pose{}, false
	}
	return c.pose, true
}

// Parts returns the tagged sub-objects of the displayed car.
func (c *Controller) Parts() []Part {
	out := make([]Part, len(c.parts))
	copy(out, c.parts)
	return out
}

// Text returns the current display text.
func (c *Controller) Text() string { return c.text }

// Add places a car in front of obs. It is a no-op returning false while a car
// is already placed.
func (c *Controller) Add(obs Observer) (Pose, bool) {
	if c.state != StateEmpty {
		return c.pose, false
	}
	c.pose = PlaceNewObject(obs.Position, obs.Forward, c.cfg.BackOffset)
	c.parts = c.parts[:0]
	for _, name := range SceneNodes {
		c.parts = append(c.parts, NewPart(name))
	}
	c.state = StatePlaced
	c.text = TapPrompt
	if c.Logger != nil {
		c.Logger.Printf("car placed at (%.2f, %.2f, %.2f)", c.pose.Position.X, c.pose.Position.Y, c.pose.Position.Z)
	}
	return c.pose, true
}

// Reset tears the view down and returns to Empty. The record is kept so a new
// car shows the same vehicle.
func (c *Controller) Reset() {
	c.state = StateEmpty
	c.pose = Pose{}
	c.parts = nil
	c.text = TapPrompt
	if c.Logger != nil {
		c.Logger.Printf("annotation view reset")
	}
}

// Tap handles a tap whose hit test returned hitName ("" for no hit). It
// returns the new display text; ok is false while Empty.
func (c *Controller) Tap(hitName string) (string, bool) {
	if c.state != StatePlaced {
		return c.text, false
	}
	c.text = DescribeTap(ResolvePartTag(hitName), c.record)
	return c.text, true
}

// Pan consumes the gesture's translation and rotates the car. ok is false
// while Empty; the gesture is left untouched then.
func (c *Controller) Pan(g *PanGesture) (Pose, bool) {
	if c.state != StatePlaced {
		return Pose{}, false
	}
	c.pose = ApplyPanScaled(c.pose, g.DX, g.DY, c.cfg.DegreesPerPixel)
	g.DX, g.DY = 0, 0
	return c.pose, true
}

// Pinch consumes the gesture's scale factor and rescales the car. Non-positive
// factors are discarded. ok is false while Empty.
func (c *Controller) Pinch(g *PinchGesture) (Pose, bool) {
	if c.state != StatePlaced {
		return Pose{}, false
	}
	if g.Scale > 0 {
		c.pose = ApplyPinch(c.pose, g.Scale)
	}
	g.Scale = 1
	return c.pose, true
}
