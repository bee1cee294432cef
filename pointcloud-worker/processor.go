package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pointcloud-api/domain"
	"pointcloud-api/npy"
)

// fileRegistry is the slice of the storage layer the processor needs.
// storage.Cache satisfies it, which keeps listing caches fresh on the
// worker's writes.
type fileRegistry interface {
	LookupFile(ctx context.Context, fileID string) (*domain.PointCloudFile, error)
	ClaimProcessing(ctx context.Context, fileID string) (bool, error)
	MarkProcessed(ctx context.Context, fileID string, a domain.Analysis, at time.Time) error
	MarkFailed(ctx context.Context, fileID, message string) error
	IncrementRetry(ctx context.Context, fileID string) error
	Invalidate(ctx context.Context, projectID string)
}

type objectGetter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type processorConfig struct {
	taskTimeout time.Duration
	maxRetries  int
	channel     string
}

type jobVerdict int

const (
	ackJob jobVerdict = iota
	requeueJob
)

// permanentError marks failures a retry cannot fix, such as a malformed
// array or a missing object.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// errNotClaimable means the file is not in a claimable state: a duplicate
// delivery, a stale retry, or a deleted file. The message is simply dropped.
var errNotClaimable = errors.New("file not claimable")

type processor struct {
	registry fileRegistry
	objects  objectGetter
	events   eventPublisher
	cfg      processorConfig
	logger   *log.Logger
}

func newProcessor(registry fileRegistry, objects objectGetter, events eventPublisher, cfg processorConfig, logger *log.Logger) *processor {
	if cfg.taskTimeout <= 0 {
		cfg.taskTimeout = 300 * time.Second
	}
	if cfg.maxRetries < 0 {
		cfg.maxRetries = 0
	}
	return &processor{registry: registry, objects: objects, events: events, cfg: cfg, logger: logger}
}

// Handle decodes one queue payload and processes it, deciding whether the
// message is acked or requeued. Malformed payloads are acked so they cannot
// wedge the queue.
func (p *processor) Handle(ctx context.Context, payload []byte) jobVerdict {
	var env domain.JobEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		p.logger.WithError(err).Warn("dropping malformed job payload")
		return ackJob
	}
	if env.Job.FileID == "" {
		p.logger.Warn("dropping job without file id")
		return ackJob
	}

	entry := p.logger.WithFields(log.Fields{
		"job":     env.Job.ID,
		"file":    env.Job.FileID,
		"project": env.Job.ProjectID,
	})

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.taskTimeout)
	defer cancel()

	start := time.Now()
	err := p.processJob(jobCtx, env.Job)
	if err == nil {
		entry.WithField("duration_ms", time.Since(start).Milliseconds()).Info("file processed")
		return ackJob
	}
	if errors.Is(err, errNotClaimable) {
		entry.Debug("skipping job for unclaimable file")
		return ackJob
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		entry.WithError(err).Error("processing failed permanently")
		p.failFile(env.Job, err.Error())
		return ackJob
	}

	// Transient failure: surface it on the record and retry below the cap.
	entry.WithError(err).Warn("processing failed, will retry")
	retries := p.bumpRetry(env.Job)
	p.failFile(env.Job, err.Error())
	if retries >= p.cfg.maxRetries {
		entry.Errorf("giving up after %d attempts", retries)
		return ackJob
	}
	return requeueJob
}

// processJob runs one analysis cycle: claim the file, stream the stored
// array through the decoder, persist the results, and notify listeners.
func (p *processor) processJob(ctx context.Context, job domain.ProcessJob) error {
	claimed, err := p.registry.ClaimProcessing(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		return errNotClaimable
	}
	p.registry.Invalidate(ctx, job.ProjectID)
	p.publish(ctx, domain.FileEvent{
		FileID:    job.FileID,
		ProjectID: job.ProjectID,
		Status:    domain.StatusProcessing,
		Timestamp: time.Now().UnixNano(),
	})

	analysis, err := p.analyzeObject(ctx, job)
	if err != nil {
		return err
	}

	processedAt := time.Now().UTC()
	if err := p.registry.MarkProcessed(ctx, job.FileID, *analysis, processedAt); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	p.registry.Invalidate(ctx, job.ProjectID)
	p.publish(ctx, domain.FileEvent{
		FileID:     job.FileID,
		ProjectID:  job.ProjectID,
		Status:     domain.StatusProcessed,
		PointCount: analysis.PointCount,
		Timestamp:  time.Now().UnixNano(),
	})
	return nil
}

// analyzeObject opens the stored payload and runs the streaming analysis.
// npy streams straight off the object reader; npz spools to a temp file
// because zip needs random access.
func (p *processor) analyzeObject(ctx context.Context, job domain.ProcessJob) (*domain.Analysis, error) {
	obj, err := p.objects.Get(ctx, job.ObjectKey)
	if err != nil {
		return nil, p.classifyObjectErr(err)
	}
	defer obj.Close()

	var reader *npy.Reader
	switch job.Format {
	case "npz":
		tmp, err := os.CreateTemp("", "process-*.npz")
		if err != nil {
			return nil, fmt.Errorf("spool: %w", err)
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()
		size, err := io.Copy(tmp, obj)
		if err != nil {
			return nil, p.classifyObjectErr(err)
		}
		reader, _, err = npy.OpenNPZ(tmp, size)
		if err != nil {
			return nil, permanent(err)
		}
	default:
		reader, err = npy.NewReader(obj)
		if err != nil {
			return nil, p.classifyDecodeErr(err, job.ObjectKey)
		}
	}
	defer reader.Close()

	analysis, err := npy.Analyze(reader)
	if err != nil {
		return nil, p.classifyDecodeErr(err, job.ObjectKey)
	}
	return analysis, nil
}

func (p *processor) classifyObjectErr(err error) error {
	if isMissingObject(err) {
		return permanent(fmt.Errorf("stored object missing: %w", err))
	}
	return fmt.Errorf("fetch object: %w", err)
}

// classifyDecodeErr separates transport failures surfacing mid-decode (the
// object reader is lazy) from payload problems no retry will fix.
func (p *processor) classifyDecodeErr(err error, key string) error {
	if isMissingObject(err) {
		return permanent(fmt.Errorf("object %s missing", key))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	return permanent(err)
}

// isMissingObject detects the object-store level "gone" answers, which no
// number of retries will change.
func isMissingObject(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
	}
	return false
}

// failFile records the failure on the registry row and tells listeners.
// Best-effort: the job outcome was already decided.
func (p *processor) failFile(job domain.ProcessJob, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.registry.MarkFailed(ctx, job.FileID, message); err != nil {
		p.logger.WithError(err).WithField("file", job.FileID).Error("failed to mark file failed")
		return
	}
	p.registry.Invalidate(ctx, job.ProjectID)
	p.publish(ctx, domain.FileEvent{
		FileID:    job.FileID,
		ProjectID: job.ProjectID,
		Status:    domain.StatusFailed,
		Error:     message,
		Timestamp: time.Now().UnixNano(),
	})
}

// bumpRetry increments and reports the stored retry count. When the
// registry cannot answer, the cap applies immediately rather than risking
// an endless requeue loop.
func (p *processor) bumpRetry(job domain.ProcessJob) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.registry.IncrementRetry(ctx, job.FileID); err != nil {
		p.logger.WithError(err).WithField("file", job.FileID).Error("failed to bump retry count")
		return p.cfg.maxRetries
	}
	file, err := p.registry.LookupFile(ctx, job.FileID)
	if err != nil || file == nil {
		p.logger.WithError(err).WithField("file", job.FileID).Error("failed to read retry count")
		return p.cfg.maxRetries
	}
	return file.RetryCount
}

func (p *processor) publish(ctx context.Context, ev domain.FileEvent) {
	if p.events == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.events.Publish(ctx, p.cfg.channel, payload).Err(); err != nil {
		p.logger.WithError(err).WithField("file", ev.FileID).Error("failed to publish file event")
	}
}
