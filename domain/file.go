package domain

import "time"

// FileStatus tracks a point cloud file through its processing lifecycle.
type FileStatus string

const (
	StatusUploading  FileStatus = "uploading"
	StatusUploaded   FileStatus = "uploaded"
	StatusProcessing FileStatus = "processing"
	StatusProcessed  FileStatus = "processed"
	StatusFailed     FileStatus = "failed"
	StatusDeleted    FileStatus = "deleted"
)

var transitions = map[FileStatus][]FileStatus{
	StatusUploading:  {StatusUploaded, StatusFailed},
	StatusUploaded:   {StatusProcessing, StatusDeleted},
	StatusProcessing: {StatusProcessed, StatusFailed},
	StatusProcessed:  {StatusProcessing, StatusDeleted},
	StatusFailed:     {StatusProcessing, StatusDeleted},
}

// CanTransition reports whether a file may move from one status to another.
func CanTransition(from, to FileStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BoundingBox is the axis-aligned extent of a point cloud.
type BoundingBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MinZ float64 `json:"minZ"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
	MaxZ float64 `json:"maxZ"`
}

// Volume returns the box volume, zero when the box is degenerate.
func (b BoundingBox) Volume() float64 {
	dx := b.MaxX - b.MinX
	dy := b.MaxY - b.MinY
	dz := b.MaxZ - b.MinZ
	if dx <= 0 || dy <= 0 || dz <= 0 {
		return 0
	}
	return dx * dy * dz
}

// Analysis holds the metadata extracted from a parsed point cloud.
type Analysis struct {
	PointCount int64       `json:"pointCount"`
	Dimensions int         `json:"dimensions"`
	HasColors  bool        `json:"hasColors"`
	HasNormals bool        `json:"hasNormals"`
	Bounds     BoundingBox `json:"bounds"`
	Density    float64     `json:"density"`
}

// PointCloudFile is the registry record for an uploaded point cloud.
type PointCloudFile struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"projectId"`
	UploaderID  string       `json:"uploaderId"`
	Filename    string       `json:"filename"`
	ObjectKey   string       `json:"objectKey"`
	Format      string       `json:"format"`
	SizeBytes   int64        `json:"sizeBytes"`
	Checksum    string       `json:"checksum,omitempty"`
	Status      FileStatus   `json:"status"`
	Error       string       `json:"error,omitempty"`
	RetryCount  int          `json:"retryCount,omitempty"`
	PointCount  int64        `json:"pointCount,omitempty"`
	Dimensions  int          `json:"dimensions,omitempty"`
	HasColors   bool         `json:"hasColors,omitempty"`
	HasNormals  bool         `json:"hasNormals,omitempty"`
	Bounds      *BoundingBox `json:"bounds,omitempty"`
	Density     float64      `json:"density,omitempty"`
	UploadedAt  time.Time    `json:"uploadedAt"`
	ProcessedAt *time.Time   `json:"processedAt,omitempty"`
}

// Ready reports whether the file finished analysis with usable points.
func (f PointCloudFile) Ready() bool {
	return f.Status == StatusProcessed && f.PointCount > 0
}

// ObjectKey builds the canonical bucket key for a file's raw payload. The
// extension keeps its leading dot.
func ObjectKey(projectID, fileID, ext string) string {
	return "projects/" + projectID + "/pointclouds/" + fileID + ext
}

// ApplyAnalysis copies analysis results onto the file record.
func (f *PointCloudFile) ApplyAnalysis(a Analysis) {
	f.PointCount = a.PointCount
	f.Dimensions = a.Dimensions
	f.HasColors = a.HasColors
	f.HasNormals = a.HasNormals
	bounds := a.Bounds
	f.Bounds = &bounds
	f.Density = a.Density
}

// ProjectStats aggregates registry state for one project.
type ProjectStats struct {
	ProjectID   string           `json:"projectId"`
	TotalFiles  int64            `json:"totalFiles"`
	TotalBytes  int64            `json:"totalBytes"`
	TotalPoints int64            `json:"totalPoints"`
	ByStatus    map[string]int64 `json:"byStatus"`
}
