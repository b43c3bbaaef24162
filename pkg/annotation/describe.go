package annotation

import (
	"strings"

	"github.com/japaniel/carvision/pkg/vehicle"
)

// TapPrompt is shown before anything was tapped and for untagged hits.
const TapPrompt = "Tap on the car to get info"

// partKeys lists, per part, the attribute columns surfaced on tap.
var partKeys = map[PartTag][]string{
	PartEngine: {"Engine HP", "Engine Cylinders", "Engine Fuel Type", "city mpg", "highway MPG", "MSRP"},
	PartDoor:   {"Vehicle Style"},
	PartWheels: {"Driven_Wheels"},
	PartBody:   {"Vehicle Size"},
	PartWindow: {"Window_Type"},
	PartLights: {"Market Category"},
}

// summaryKeys follow the prompt when a record is known.
var summaryKeys = []string{vehicle.ColMake, "Popularity", vehicle.ColModel, vehicle.ColYear}

// Keys returns the attribute columns shown for part.
func Keys(part PartTag) []string {
	keys := partKeys[part]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// DescribeTap renders the text for a tap on part. A zero record stands for
// "no data"; every key then reads "<key> not available".
func DescribeTap(part PartTag, rec vehicle.Record) string {
	keys, ok := partKeys[part]
	if !ok {
		if rec.IsZero() {
			return TapPrompt
		}
		return TapPrompt + "\n" + formatKeys(summaryKeys, rec)
	}
	return formatKeys(keys, rec)
}

func formatKeys(keys []string, rec vehicle.Record) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		if v, ok := rec.Get(k); ok {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
		} else {
			b.WriteString(k)
			b.WriteString(" not available")
		}
	}
	return strings.TrimRight(b.String(), " \t\r\n")
}

// Card is the headline summary of a recognized vehicle. Absent attributes
// leave their field empty.
type Card struct {
	Label        string `json:"label"`
	Name         string `json:"name,omitempty"`
	Transmission string `json:"transmission,omitempty"`
	Doors        string `json:"doors,omitempty"`
	BodyType     string `json:"body_type,omitempty"`
	Power        string `json:"power,omitempty"`
}

// Summary builds the vehicle card for label from rec.
func Summary(label string, rec vehicle.Record) Card {
	c := Card{Label: label}
	c.Name, _ = rec.Get(vehicle.ColMake)
	c.Transmission, _ = rec.Get("Transmission Type")
	if v, ok := rec.Get("Number of Doors"); ok {
		c.Doors = "Doors: " + v
	}
	c.BodyType, _ = rec.Get("Vehicle Style")
	if v, ok := rec.Get("Engine HP"); ok {
		c.Power = v + " hp"
	}
	return c
}

// Lines renders the card one field per line, skipping empty fields.
func (c Card) Lines() []string {
	var out []string
	for _, s := range []string{c.Name, c.Label, c.Transmission, c.Doors, c.BodyType, c.Power} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
