package npy

import (
	"fmt"
	"math"
	"math/rand"
)

// Sample shapes and their default point counts.
var sampleDefaults = map[string]int{
	"sphere":   5000,
	"cube":     3000,
	"cylinder": 4000,
	"car":      6000,
}

// Shapes lists the supported sample shapes.
func Shapes() []string {
	return []string{"sphere", "cube", "cylinder", "car"}
}

// DefaultPoints returns the default point count for a sample shape, zero
// when the shape is unknown.
func DefaultPoints(shape string) int {
	return sampleDefaults[shape]
}

// Sample generates xyz rows for a named test shape. The result is a flat
// float32 slice of points*3 values ready for Write with shape (points, 3).
func Sample(shape string, points int, rnd *rand.Rand) ([]float32, error) {
	if _, ok := sampleDefaults[shape]; !ok {
		return nil, fmt.Errorf("pointcloud: unknown sample shape %q", shape)
	}
	if points <= 0 {
		points = sampleDefaults[shape]
	}

	data := make([]float32, 0, points*3)
	appendPoint := func(x, y, z float64) {
		data = append(data, float32(x), float32(y), float32(z))
	}

	switch shape {
	case "sphere":
		const radius = 50
		for i := 0; i < points; i++ {
			theta := rnd.Float64() * 2 * math.Pi
			phi := rnd.Float64() * math.Pi
			r := rnd.Float64() * radius
			appendPoint(
				r*math.Sin(phi)*math.Cos(theta),
				r*math.Sin(phi)*math.Sin(theta),
				r*math.Cos(phi),
			)
		}
	case "cube":
		const half = 30
		for i := 0; i < points; i++ {
			appendPoint(
				rnd.Float64()*2*half-half,
				rnd.Float64()*2*half-half,
				rnd.Float64()*2*half-half,
			)
		}
	case "cylinder":
		const (
			radius = 20
			height = 60
		)
		for i := 0; i < points; i++ {
			theta := rnd.Float64() * 2 * math.Pi
			r := rnd.Float64() * radius
			appendPoint(
				r*math.Cos(theta),
				r*math.Sin(theta),
				rnd.Float64()*height-height/2,
			)
		}
	case "car":
		// Roughly a vehicle: a box body plus wheel cylinders offset on x.
		bodyPoints := points * 7 / 10
		for i := 0; i < bodyPoints; i++ {
			appendPoint(
				rnd.Float64()*50-25,
				rnd.Float64()*20-10,
				rnd.Float64()*8,
			)
		}
		const (
			wheelRadius = 8
			wheelHeight = 4
			wheelOffset = 20
		)
		for i := bodyPoints; i < points; i++ {
			theta := rnd.Float64() * 2 * math.Pi
			r := rnd.Float64() * wheelRadius
			offset := float64(wheelOffset)
			if rnd.Intn(2) == 0 {
				offset = -offset
			}
			appendPoint(
				r*math.Cos(theta)+offset,
				r*math.Sin(theta),
				rnd.Float64()*wheelHeight,
			)
		}
	}

	return data, nil
}
