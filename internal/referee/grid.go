package referee

import "github.com/avalon-arena/match-core/internal/models"

// point is a grid cell, 0-indexed in both axes.
type point struct {
	X, Y int
}

// chebyshev returns the Chebyshev distance between two cells, the metric
// hearing radii are measured in.
func chebyshev(a, b point) int {
	return max(abs(a.X-b.X), abs(a.Y-b.Y))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// randomDistinctPositions draws models.PlayerCount distinct cells from the
// MapSize x MapSize grid.
func randomDistinctPositions(rng randSource) [models.PlayerCount]point {
	var cells [models.MapSize * models.MapSize]point
	i := 0
	for x := 0; x < models.MapSize; x++ {
		for y := 0; y < models.MapSize; y++ {
			cells[i] = point{X: x, Y: y}
			i++
		}
	}
	rng.Shuffle(len(cells), func(i, j int) { cells[i], cells[j] = cells[j], cells[i] })

	var out [models.PlayerCount]point
	copy(out[:], cells[:models.PlayerCount])
	return out
}

// applyMove returns the cell reached by stepping dir from from, and whether
// the step is a recognized direction at all. The caller treats both an
// unrecognized token and a recognized step that leaves the grid or lands on
// an occupied cell as a fatal bot fault.
func applyMove(from point, dir string) (point, bool) {
	switch dir {
	case "up":
		return point{X: from.X, Y: from.Y - 1}, true
	case "down":
		return point{X: from.X, Y: from.Y + 1}, true
	case "left":
		return point{X: from.X - 1, Y: from.Y}, true
	case "right":
		return point{X: from.X + 1, Y: from.Y}, true
	default:
		return from, false
	}
}

func inBounds(p point) bool {
	return p.X >= 0 && p.X < models.MapSize && p.Y >= 0 && p.Y < models.MapSize
}
