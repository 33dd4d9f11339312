// Package hex implements axial coordinate math for the territory grid.
package hex

import "fmt"

// Coord is an axial hex coordinate. The cube form carries the derived
// third axis s = -q-r, so q+r+s = 0 always holds.
type Coord struct {
	Q int `json:"q"`
	R int `json:"r"`
}

// S returns the derived cube coordinate.
func (c Coord) S() int { return -c.Q - c.R }

func (c Coord) String() string { return fmt.Sprintf("(%d,%d,%d)", c.Q, c.R, c.S()) }

// Distance returns the hex grid distance between two coordinates.
func Distance(a, b Coord) int {
	dq := abs(a.Q - b.Q)
	dr := abs(a.R - b.R)
	ds := abs(a.S() - b.S())
	return (dq + dr + ds) / 2
}

var directions = [6]Coord{
	{Q: 1, R: 0}, {Q: 1, R: -1}, {Q: 0, R: -1},
	{Q: -1, R: 0}, {Q: -1, R: 1}, {Q: 0, R: 1},
}

// Neighbors returns the six adjacent coordinates in ring order.
func Neighbors(c Coord) [6]Coord {
	var out [6]Coord
	for i, d := range directions {
		out[i] = Coord{Q: c.Q + d.Q, R: c.R + d.R}
	}
	return out
}

// WithinRadius reports whether c lies within the given hex radius of center.
func WithinRadius(center, c Coord, radius int) bool {
	if radius < 0 {
		return false
	}
	return Distance(center, c) <= radius
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
