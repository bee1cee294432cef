package domain

// ProcessJob asks the worker to analyze one stored point cloud.
type ProcessJob struct {
	ID        string `json:"id,omitempty"`
	FileID    string `json:"fileId"`
	ProjectID string `json:"projectId"`
	ObjectKey string `json:"objectKey"`
	Format    string `json:"format"`
	Attempt   int    `json:"attempt,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// JobEnvelope wraps a job with the user that triggered it.
type JobEnvelope struct {
	UserID string     `json:"userId"`
	Job    ProcessJob `json:"job"`
}
