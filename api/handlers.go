package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pointcloud-api/domain"
	"pointcloud-api/npy"
)

const (
	defaultMaxFileSize   = 50 * 1024 * 1024
	defaultPageSize      = 50
	maxPageSize          = 200
	defaultPresignExpiry = 3600
	maxPresignExpiry     = 86400
	defaultPreviewPoints = 1000
	maxPreviewPoints     = 10000
	maxSamplePoints      = 100000
)

// Version is stamped at build time.
var Version = "dev"

// Register wires up all API routes on the provided Echo instance and starts
// the job outbox. The returned broker receives worker events for SSE fanout.
func Register(e *echo.Echo, store Storage, objects ObjectStore, queue Queue, auth Authenticator, deduper Deduper, logger *log.Logger) *EventBroker {
	maxSize := int64(envInt("MAX_FILE_SIZE", defaultMaxFileSize))
	allowed := allowedExtensions(envString("ALLOWED_FILE_EXTENSIONS", ".npy,.npz"))

	broker := NewEventBroker()

	v1 := e.Group("/api/v1")
	v1.POST("/projects/:projectId/pointclouds", uploadPointCloud(store, objects, queue, auth, deduper, logger, maxSize, allowed))
	v1.GET("/projects/:projectId/pointclouds", listPointClouds(store, auth))
	v1.GET("/projects/:projectId/pointclouds/stats", projectStats(store, auth))
	v1.GET("/projects/:projectId/pointclouds/:fileId", getPointCloud(store, auth))
	v1.GET("/projects/:projectId/pointclouds/:fileId/download", downloadPointCloud(store, objects, auth))
	v1.GET("/projects/:projectId/pointclouds/:fileId/preview", previewPointCloud(store, objects, auth))
	v1.POST("/projects/:projectId/pointclouds/:fileId/reprocess", reprocessPointCloud(store, queue, auth, logger))
	v1.DELETE("/projects/:projectId/pointclouds/:fileId", deletePointCloud(store, objects, auth, logger))
	v1.GET("/projects/:projectId/events", streamEvents(broker, auth))
	v1.GET("/samples/:shape", samplePointCloud(auth))
	v1.GET("/health", health(store, objects, queue))
	v1.GET("/ping", ping())
	v1.GET("/info", info(queue))
	e.GET("/healthz", healthz())

	initJobSender(queue, logger)

	return broker
}

func allowedExtensions(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, ext := range strings.Split(raw, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = true
	}
	return out
}

func contentTypeForExt(ext string) string {
	if ext == ".npz" {
		return "application/zip"
	}
	return "application/octet-stream"
}

// projectPrincipal authenticates the request and checks project membership.
// On failure the error response has already been written.
func projectPrincipal(c echo.Context, auth Authenticator) (*Principal, string, bool, error) {
	principal, err := auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return nil, "", false, apiError(c, http.StatusUnauthorized, "unauthorized", err.Error())
	}
	projectID := c.Param("projectId")
	if !principal.CanAccess(projectID) {
		return nil, "", false, apiError(c, http.StatusForbidden, "forbidden", "no access to project")
	}
	return principal, projectID, true, nil
}

func statusFilter(raw string) (domain.FileStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	status := domain.FileStatus(strings.ToLower(raw))
	switch status {
	case domain.StatusUploading, domain.StatusUploaded, domain.StatusProcessing,
		domain.StatusProcessed, domain.StatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// scheduleJob hands the job to the outbox, falling back to an inline queue
// push when the outbox is saturated or not running.
func scheduleJob(queue Queue, logger *log.Logger, userID string, job domain.ProcessJob) error {
	err := enqueueProcessJob(userID, job)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errOutboxSaturated) && !errors.Is(err, errOutboxUnavailable) {
		return err
	}
	logger.WithError(err).Warn("job outbox unavailable, enqueueing inline")
	payload, err := sonic.Marshal(domain.JobEnvelope{UserID: userID, Job: job})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), envDur("OUTBOX_ENQUEUE_TIMEOUT", 60*time.Second))
	defer cancel()
	return queue.Enqueue(ctx, payload)
}

func uploadPointCloud(store Storage, objects ObjectStore, queue Queue, auth Authenticator, deduper Deduper, logger *log.Logger, maxSize int64, allowed map[string]bool) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newUploadMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		principal, authErr := auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = apiError(c, http.StatusUnauthorized, "unauthorized", authErr.Error())
			return err
		}
		projectID := c.Param("projectId")
		if !principal.CanAccess(projectID) {
			metrics.SetErrorStage("project_access")
			err = apiError(c, http.StatusForbidden, "forbidden", "no access to project")
			return err
		}

		fh, fhErr := c.FormFile("file")
		if fhErr != nil {
			metrics.SetErrorStage("missing_file")
			err = apiError(c, http.StatusBadRequest, "bad_request", `multipart field "file" is required`)
			return err
		}
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !allowed[ext] {
			metrics.SetErrorStage("extension")
			err = apiError(c, http.StatusBadRequest, "bad_request", fmt.Sprintf("unsupported file extension %q", ext))
			return err
		}
		metrics.SetFormat(strings.TrimPrefix(ext, "."))
		if fh.Size > maxSize {
			metrics.SetErrorStage("size")
			err = apiError(c, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("file exceeds %d bytes", maxSize))
			return err
		}
		metrics.SetBytes(fh.Size)

		fileID := uuid.NewString()
		idemKey := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
		if idemKey != "" {
			boundID, fresh, claimErr := deduper.Claim(ctx, principal.UserID, idemKey, fileID)
			if claimErr != nil {
				metrics.SetErrorStage("idempotency")
				logger.WithError(claimErr).Error("idempotency claim failed")
				err = apiError(c, http.StatusInternalServerError, "internal_error", "idempotency check failed")
				return err
			}
			if !fresh {
				metrics.SetReplayed(true)
				existing, getErr := store.GetFile(ctx, projectID, boundID)
				if getErr != nil || existing == nil {
					metrics.SetErrorStage("idempotency_replay")
					err = apiError(c, http.StatusConflict, "conflict", "idempotency key already used")
					return err
				}
				err = c.JSON(http.StatusOK, existing)
				return err
			}
		}
		release := func() {
			if idemKey == "" {
				return
			}
			if relErr := deduper.Release(context.Background(), principal.UserID, idemKey); relErr != nil {
				logger.WithError(relErr).Warn("failed to release idempotency key")
			}
		}

		objectKey := domain.ObjectKey(projectID, fileID, ext)
		file := &domain.PointCloudFile{
			ID:         fileID,
			ProjectID:  projectID,
			UploaderID: principal.UserID,
			Filename:   fh.Filename,
			ObjectKey:  objectKey,
			Format:     strings.TrimPrefix(ext, "."),
			SizeBytes:  fh.Size,
			Status:     domain.StatusUploading,
			UploadedAt: time.Now().UTC(),
		}

		storeStart := time.Now()
		if insErr := store.InsertFile(ctx, file); insErr != nil {
			metrics.SetErrorStage("registry_insert")
			release()
			logger.WithError(insErr).Error("failed to register upload")
			err = apiError(c, http.StatusInternalServerError, "internal_error", "failed to register upload")
			return err
		}

		src, openErr := fh.Open()
		if openErr != nil {
			metrics.SetErrorStage("form_open")
			markUploadFailed(store, logger, fileID, "could not read upload")
			release()
			err = apiError(c, http.StatusInternalServerError, "internal_error", "could not read upload")
			return err
		}
		defer src.Close()

		hasher := sha256.New()
		if putErr := objects.Put(ctx, objectKey, io.TeeReader(src, hasher), fh.Size, contentTypeForExt(ext)); putErr != nil {
			metrics.SetErrorStage("object_put")
			markUploadFailed(store, logger, fileID, "object upload failed")
			release()
			logger.WithError(putErr).Error("failed to store object")
			err = apiError(c, http.StatusInternalServerError, "internal_error", "failed to store file")
			return err
		}

		checksum := hex.EncodeToString(hasher.Sum(nil))
		if upErr := store.MarkUploaded(ctx, fileID, checksum, fh.Size); upErr != nil {
			metrics.SetErrorStage("registry_mark")
			markUploadFailed(store, logger, fileID, "registry update failed")
			release()
			logger.WithError(upErr).Error("failed to mark upload complete")
			err = apiError(c, http.StatusInternalServerError, "internal_error", "failed to record upload")
			return err
		}
		metrics.ObserveStore(time.Since(storeStart))
		file.Status = domain.StatusUploaded
		file.Checksum = checksum
		store.Invalidate(ctx, projectID)

		job := domain.ProcessJob{
			ID:        uuid.NewString(),
			FileID:    fileID,
			ProjectID: projectID,
			ObjectKey: objectKey,
			Format:    file.Format,
			Timestamp: nextTimestamp(),
		}
		queueStart := time.Now()
		enqErr := scheduleJob(queue, logger, principal.UserID, job)
		metrics.ObserveQueue(time.Since(queueStart))
		if enqErr != nil {
			// The object and registry row are in place; the client can hit
			// the reprocess endpoint once the queue recovers.
			metrics.SetErrorStage("queue")
			logger.WithError(enqErr).Error("failed to schedule processing")
			err = apiError(c, http.StatusInternalServerError, "internal_error", "upload stored but processing could not be scheduled")
			return err
		}

		err = c.JSON(http.StatusCreated, file)
		return err
	}
}

func markUploadFailed(store Storage, logger *log.Logger, fileID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.MarkFailed(ctx, fileID, message); err != nil {
		logger.WithError(err).Errorf("failed to mark file %s failed", fileID)
	}
}

type listResponse struct {
	Items []domain.PointCloudFile `json:"items"`
	Total int                     `json:"total"`
	Page  int                     `json:"page"`
	Size  int                     `json:"size"`
	Pages int                     `json:"pages"`
}

func listPointClouds(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, projectID, ok, err := projectPrincipal(c, auth)
		if !ok {
			return err
		}

		page := 1
		if raw := strings.TrimSpace(c.QueryParam("page")); raw != "" {
			page, err = strconv.Atoi(raw)
			if err != nil || page < 1 {
				return apiError(c, http.StatusBadRequest, "bad_request", "invalid page")
			}
		}
		size := defaultPageSize
		if raw := strings.TrimSpace(c.QueryParam("size")); raw != "" {
			size, err = strconv.Atoi(raw)
			if err != nil || size < 1 || size > maxPageSize {
				return apiError(c, http.StatusBadRequest, "bad_request", "invalid page size")
			}
		}
		status, statusErr := statusFilter(c.QueryParam("status"))
		if statusErr != nil {
			return apiError(c, http.StatusBadRequest, "bad_request", statusErr.Error())
		}

		items, total, listErr := store.ListFiles(c.Request().Context(), projectID, status, page, size)
		if listErr != nil {
			c.Logger().Error(listErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to list files")
		}
		if items == nil {
			items = []domain.PointCloudFile{}
		}
		pages := 0
		if total > 0 {
			pages = (total + size - 1) / size
		}
		return c.JSON(http.StatusOK, listResponse{Items: items, Total: total, Page: page, Size: size, Pages: pages})
	}
}

func projectStats(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, projectID, ok, err := projectPrincipal(c, auth)
		if !ok {
			return err
		}
		stats, statsErr := store.ProjectStats(c.Request().Context(), projectID)
		if statsErr != nil {
			c.Logger().Error(statsErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to load stats")
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func getPointCloud(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, projectID, ok, err := projectPrincipal(c, auth)
		if !ok {
			return err
		}
		file, getErr := store.GetFile(c.Request().Context(), projectID, c.Param("fileId"))
		if getErr != nil {
			c.Logger().Error(getErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to load file")
		}
		if file == nil {
			return apiError(c, http.StatusNotFound, "not_found", "file not found")
		}
		return c.JSON(http.StatusOK, file)
	}
}

type downloadResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}

func downloadPointCloud(store Storage, objects ObjectStore, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, projectID, ok, err := projectPrincipal(c, auth)
		if !ok {
			return err
		}
		file, getErr := store.GetFile(c.Request().Context(), projectID, c.Param("fileId"))
		if getErr != nil {
			c.Logger().Error(getErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to load file")
		}
		if file == nil {
			return apiError(c, http.StatusNotFound, "not_found", "file not found")
		}
		if file.Status == domain.StatusUploading {
			return apiError(c, http.StatusConflict, "conflict", "file is still uploading")
		}

		expiresIn := defaultPresignExpiry
		if raw := strings.TrimSpace(c.QueryParam("expiresIn")); raw != "" {
			expiresIn, err = strconv.Atoi(raw)
			if err != nil || expiresIn < 1 || expiresIn > maxPresignExpiry {
				return apiError(c, http.StatusBadRequest, "bad_request", "invalid expiresIn")
			}
		}
		url, presignErr := objects.PresignedGet(c.Request().Context(), file.ObjectKey, file.Filename, time.Duration(expiresIn)*time.Second)
		if presignErr != nil {
			c.Logger().Error(presignErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to create download link")
		}
		return c.JSON(http.StatusOK, downloadResponse{URL: url, ExpiresIn: expiresIn})
	}
}

type previewResponse struct {
	FileID      string      `json:"fileId"`
	TotalPoints int64       `json:"totalPoints"`
	Points      [][]float64 `json:"points"`
}

func previewPointCloud(store Storage, objects ObjectStore, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, projectID, ok, err := projectPrincipal(c, auth)
		if !ok {
			return err
		}
		file, getErr := store.GetFile(c.Request().Context(), projectID, c.Param("fileId"))
		if getErr != nil {
			c.Logger().Error(getErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to load file")
		}
		if file == nil {
			return apiError(c, http.StatusNotFound, "not_found", "file not found")
		}
		if !file.Ready() {
			return apiError(c, http.StatusConflict, "conflict", "file is not processed yet")
		}

		maxPoints := defaultPreviewPoints
		if raw := strings.TrimSpace(c.QueryParam("maxPoints")); raw != "" {
			maxPoints, err = strconv.Atoi(raw)
			if err != nil || maxPoints < 1 || maxPoints > maxPreviewPoints {
				return apiError(c, http.StatusBadRequest, "bad_request", "invalid maxPoints")
			}
		}

		ctx := c.Request().Context()
		obj, objErr := objects.Get(ctx, file.ObjectKey)
		if objErr != nil {
			c.Logger().Error(objErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to fetch object")
		}
		defer obj.Close()

		var reader *npy.Reader
		if file.Format == "npz" {
			// zip needs random access, spool to a temp file
			tmp, tmpErr := os.CreateTemp("", "preview-*.npz")
			if tmpErr != nil {
				return apiError(c, http.StatusInternalServerError, "internal_error", "failed to buffer object")
			}
			defer os.Remove(tmp.Name())
			defer tmp.Close()
			size, copyErr := io.Copy(tmp, obj)
			if copyErr != nil {
				c.Logger().Error(copyErr)
				return apiError(c, http.StatusInternalServerError, "internal_error", "failed to fetch object")
			}
			reader, _, err = npy.OpenNPZ(tmp, size)
		} else {
			reader, err = npy.NewReader(obj)
		}
		if err != nil {
			c.Logger().Error(err)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to parse stored array")
		}
		defer reader.Close()

		preview, prevErr := buildPreview(reader, maxPoints)
		if prevErr != nil {
			c.Logger().Error(prevErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to read stored array")
		}
		preview.FileID = file.ID
		return c.JSON(http.StatusOK, preview)
	}
}

// buildPreview takes every stride-th row so the result spans the whole cloud
// instead of its first rows.
func buildPreview(r *npy.Reader, maxPoints int) (*previewResponse, error) {
	rows := r.Rows()
	stride := 1
	if rows > maxPoints {
		stride = rows / maxPoints
	}
	cols := r.Cols()
	if cols > 3 {
		cols = 3
	}

	row := make([]float64, r.Cols())
	capacity := rows
	if capacity > maxPoints {
		capacity = maxPoints
	}
	points := make([][]float64, 0, capacity)
	for len(points) < maxPoints {
		err := r.ReadRow(row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		p := make([]float64, cols)
		copy(p, row[:cols])
		points = append(points, p)
		if stride > 1 {
			if err := r.Skip(stride - 1); err != nil {
				return nil, err
			}
		}
	}
	return &previewResponse{TotalPoints: int64(rows), Points: points}, nil
}

func reprocessPointCloud(store Storage, queue Queue, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, projectID, ok, err := projectPrincipal(c, auth)
		if !ok {
			return err
		}
		file, getErr := store.GetFile(c.Request().Context(), projectID, c.Param("fileId"))
		if getErr != nil {
			c.Logger().Error(getErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to load file")
		}
		if file == nil {
			return apiError(c, http.StatusNotFound, "not_found", "file not found")
		}
		if !domain.CanTransition(file.Status, domain.StatusProcessing) {
			return apiError(c, http.StatusConflict, "conflict", fmt.Sprintf("cannot reprocess file in status %q", file.Status))
		}

		job := domain.ProcessJob{
			ID:        uuid.NewString(),
			FileID:    file.ID,
			ProjectID: projectID,
			ObjectKey: file.ObjectKey,
			Format:    file.Format,
			Timestamp: nextTimestamp(),
		}
		if enqErr := scheduleJob(queue, logger, principal.UserID, job); enqErr != nil {
			logger.WithError(enqErr).Error("failed to schedule reprocessing")
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to schedule reprocessing")
		}
		return c.JSON(http.StatusAccepted, map[string]string{"fileId": file.ID, "status": "scheduled"})
	}
}

func deletePointCloud(store Storage, objects ObjectStore, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, projectID, ok, err := projectPrincipal(c, auth)
		if !ok {
			return err
		}
		ctx := c.Request().Context()
		file, getErr := store.GetFile(ctx, projectID, c.Param("fileId"))
		if getErr != nil {
			c.Logger().Error(getErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to load file")
		}
		if file == nil {
			return apiError(c, http.StatusNotFound, "not_found", "file not found")
		}

		deleted, delErr := store.SoftDelete(ctx, projectID, file.ID)
		if delErr != nil {
			c.Logger().Error(delErr)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to delete file")
		}
		if !deleted {
			return apiError(c, http.StatusNotFound, "not_found", "file not found")
		}
		// The registry row is gone either way, losing the object only leaks
		// bucket space.
		if remErr := objects.Remove(ctx, file.ObjectKey); remErr != nil {
			logger.WithError(remErr).Warnf("failed to remove object %s", file.ObjectKey)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func samplePointCloud(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return apiError(c, http.StatusUnauthorized, "unauthorized", err.Error())
		}

		shape := c.Param("shape")
		points := 0
		if raw := strings.TrimSpace(c.QueryParam("points")); raw != "" {
			points, err = strconv.Atoi(raw)
			if err != nil || points < 1 || points > maxSamplePoints {
				return apiError(c, http.StatusBadRequest, "bad_request", "invalid points")
			}
		}
		seed := time.Now().UnixNano()
		if raw := strings.TrimSpace(c.QueryParam("seed")); raw != "" {
			seed, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return apiError(c, http.StatusBadRequest, "bad_request", "invalid seed")
			}
		}

		data, sampleErr := npy.Sample(shape, points, rand.New(rand.NewSource(seed)))
		if sampleErr != nil {
			return apiError(c, http.StatusNotFound, "not_found", sampleErr.Error())
		}
		var buf bytes.Buffer
		if err := npy.Write(&buf, []int{len(data) / 3, 3}, data); err != nil {
			c.Logger().Error(err)
			return apiError(c, http.StatusInternalServerError, "internal_error", "failed to encode sample")
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", shape+".npy"))
		return c.Blob(http.StatusOK, "application/octet-stream", buf.Bytes())
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func health(store Storage, objects ObjectStore, queue Queue) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		overall := "ok"
		checks := map[string]string{"database": "ok", "objects": "ok", "queue": "ok"}
		if err := store.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			overall = "degraded"
		}
		if err := objects.Ping(ctx); err != nil {
			checks["objects"] = err.Error()
			overall = "degraded"
		}
		if err := queue.Ping(ctx); err != nil {
			checks["queue"] = err.Error()
			overall = "degraded"
		}

		status := http.StatusOK
		if overall != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, healthResponse{Status: overall, Checks: checks})
	}
}

func ping() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"ping": "pong"})
	}
}

type infoResponse struct {
	Service    string       `json:"service"`
	Version    string       `json:"version"`
	QueueDepth *int64       `json:"queueDepth,omitempty"`
	Outbox     *outboxStats `json:"outbox,omitempty"`
}

func info(queue Queue) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := infoResponse{Service: "pointcloud-api", Version: Version}
		if stats, err := getOutboxStats(); err == nil {
			resp.Outbox = &stats
		}
		if queue != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second)
			defer cancel()
			if depth, err := queue.Depth(ctx); err == nil {
				resp.QueueDepth = &depth
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}
