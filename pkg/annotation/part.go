// Package annotation binds resolved vehicle attributes to the parts of a
// displayed 3D car and turns tap, pan and pinch input into display text and
// rigid transforms.
package annotation

// PartTag identifies which sub-object of the displayed car was touched.
type PartTag int

const (
	PartUnknown PartTag = iota
	PartWheels
	PartWindow
	PartEngine
	PartDoor
	PartBody
	PartLights
)

var partNames = map[PartTag]string{
	PartUnknown: "unknown",
	PartWheels:  "wheels",
	PartWindow:  "window",
	PartEngine:  "engine",
	PartDoor:    "door",
	PartBody:    "body",
	PartLights:  "lights",
}

func (p PartTag) String() string {
	if n, ok := partNames[p]; ok {
		return n
	}
	return "unknown"
}

// hitNames is the node-name vocabulary of the car scene. The body node is
// named "car".
var hitNames = map[string]PartTag{
	"wheels": PartWheels,
	"window": PartWindow,
	"engine": PartEngine,
	"door":   PartDoor,
	"car":    PartBody,
}

// SceneNodes lists the node names a car scene is built from, body first.
var SceneNodes = []string{"car", "wheels", "window", "engine", "door"}

// ResolvePartTag maps a hit-test node name to a tag. An empty name means
// nothing was hit. Matching is exact.
func ResolvePartTag(hitName string) PartTag {
	if tag, ok := hitNames[hitName]; ok {
		return tag
	}
	return PartUnknown
}

// ParsePartTag maps a tag name as printed by String back to a tag. It also
// accepts scene node names, so "car" yields PartBody.
func ParsePartTag(s string) PartTag {
	for tag, name := range partNames {
		if name == s {
			return tag
		}
	}
	return ResolvePartTag(s)
}

// Part is a named sub-object of the displayed car. Its tag is fixed when the
// part is created.
type Part struct {
	name string
	tag  PartTag
}

// NewPart tags a scene node by name.
func NewPart(name string) Part {
	return Part{name: name, tag: ResolvePartTag(name)}
}

// Name returns the scene node name.
func (p Part) Name() string { return p.name }

// Tag returns the part's tag.
func (p Part) Tag() PartTag { return p.tag }
