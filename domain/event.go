package domain

// FileEvent is published after a file changes status, so streaming
// clients can refresh their project view.
type FileEvent struct {
	FileID     string     `json:"fileId"`
	ProjectID  string     `json:"projectId"`
	Status     FileStatus `json:"status"`
	PointCount int64      `json:"pointCount,omitempty"`
	Error      string     `json:"error,omitempty"`
	Timestamp  int64      `json:"timestamp"`
}
