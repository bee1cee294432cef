package npy

import (
	"errors"
	"fmt"
	"io"

	"pointcloud-api/domain"
)

// Analyze streams every row once and extracts the point cloud metadata:
// count, dimensionality, bounding box over the first three columns, and
// derived density. Columns beyond xyz mark colors (>3) and normals (>6).
func Analyze(r *Reader) (*domain.Analysis, error) {
	cols := r.Cols()
	if cols < 3 {
		return nil, fmt.Errorf("pointcloud: need at least 3 dimensions, got %d", cols)
	}
	if r.Rows() == 0 {
		return nil, errors.New("pointcloud: array has no points")
	}

	row := make([]float64, cols)
	var bounds domain.BoundingBox
	count := int64(0)
	for {
		err := r.ReadRow(row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if count == 0 {
			bounds.MinX, bounds.MaxX = row[0], row[0]
			bounds.MinY, bounds.MaxY = row[1], row[1]
			bounds.MinZ, bounds.MaxZ = row[2], row[2]
		} else {
			if row[0] < bounds.MinX {
				bounds.MinX = row[0]
			}
			if row[0] > bounds.MaxX {
				bounds.MaxX = row[0]
			}
			if row[1] < bounds.MinY {
				bounds.MinY = row[1]
			}
			if row[1] > bounds.MaxY {
				bounds.MaxY = row[1]
			}
			if row[2] < bounds.MinZ {
				bounds.MinZ = row[2]
			}
			if row[2] > bounds.MaxZ {
				bounds.MaxZ = row[2]
			}
		}
		count++
	}

	density := 0.0
	if vol := bounds.Volume(); vol > 0 {
		density = float64(count) / vol
	}

	return &domain.Analysis{
		PointCount: count,
		Dimensions: cols,
		HasColors:  cols > 3,
		HasNormals: cols > 6,
		Bounds:     bounds,
		Density:    density,
	}, nil
}
