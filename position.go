package harvester

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Position is a gantry position in millimeters from the logical origin.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p moved by (dx, dy).
func (p Position) Add(dx, dy float64) Position {
	return Position{X: p.X + dx, Y: p.Y + dy}
}

// Vector lifts p into the plane z=0.
func (p Position) Vector() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y}
}

// DistanceTo is the straight-line distance in millimeters.
func (p Position) DistanceTo(o Position) float64 {
	return p.Vector().Sub(o.Vector()).Norm()
}

func (p Position) String() string {
	return fmt.Sprintf("(%.1f, %.1f)", p.X, p.Y)
}
