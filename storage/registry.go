package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	// SQL drivers required for integration tests and runtime.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pointcloud-api/domain"
)

const (
	defaultPoolSize = 4
	poolPerCPU      = 4
	maxPoolSize     = 32
)

// poolSizeForCPU derives a connection pool size from the CPU count,
// bounded so a large host does not exhaust the database server.
func poolSizeForCPU(cpu int) int {
	if cpu <= 0 {
		return defaultPoolSize
	}
	n := cpu * poolPerCPU
	if n > maxPoolSize {
		return maxPoolSize
	}
	return n
}

type fileModel struct {
	bun.BaseModel `bun:"table:pointcloud_files"`

	ID          string          `bun:"id,pk"`
	ProjectID   string          `bun:"project_id,notnull"`
	UploaderID  string          `bun:"uploader_id"`
	Filename    string          `bun:"filename"`
	ObjectKey   string          `bun:"object_key"`
	Format      string          `bun:"format"`
	SizeBytes   int64           `bun:"size_bytes"`
	Checksum    string          `bun:"checksum"`
	Status      string          `bun:"status,notnull"`
	Error       sql.NullString  `bun:"error"`
	RetryCount  int             `bun:"retry_count"`
	PointCount  int64           `bun:"point_count"`
	Dimensions  int             `bun:"dimensions"`
	HasColors   bool            `bun:"has_colors"`
	HasNormals  bool            `bun:"has_normals"`
	MinX        sql.NullFloat64 `bun:"min_x"`
	MinY        sql.NullFloat64 `bun:"min_y"`
	MinZ        sql.NullFloat64 `bun:"min_z"`
	MaxX        sql.NullFloat64 `bun:"max_x"`
	MaxY        sql.NullFloat64 `bun:"max_y"`
	MaxZ        sql.NullFloat64 `bun:"max_z"`
	Density     float64         `bun:"density"`
	UploadedAt  time.Time       `bun:"uploaded_at,notnull"`
	ProcessedAt sql.NullTime    `bun:"processed_at"`
}

func toModel(f *domain.PointCloudFile) fileModel {
	m := fileModel{
		ID:         f.ID,
		ProjectID:  f.ProjectID,
		UploaderID: f.UploaderID,
		Filename:   f.Filename,
		ObjectKey:  f.ObjectKey,
		Format:     f.Format,
		SizeBytes:  f.SizeBytes,
		Checksum:   f.Checksum,
		Status:     string(f.Status),
		RetryCount: f.RetryCount,
		PointCount: f.PointCount,
		Dimensions: f.Dimensions,
		HasColors:  f.HasColors,
		HasNormals: f.HasNormals,
		Density:    f.Density,
		UploadedAt: f.UploadedAt,
	}
	if f.Error != "" {
		m.Error = sql.NullString{String: f.Error, Valid: true}
	}
	if f.Bounds != nil {
		m.MinX = sql.NullFloat64{Float64: f.Bounds.MinX, Valid: true}
		m.MinY = sql.NullFloat64{Float64: f.Bounds.MinY, Valid: true}
		m.MinZ = sql.NullFloat64{Float64: f.Bounds.MinZ, Valid: true}
		m.MaxX = sql.NullFloat64{Float64: f.Bounds.MaxX, Valid: true}
		m.MaxY = sql.NullFloat64{Float64: f.Bounds.MaxY, Valid: true}
		m.MaxZ = sql.NullFloat64{Float64: f.Bounds.MaxZ, Valid: true}
	}
	if f.ProcessedAt != nil {
		m.ProcessedAt = sql.NullTime{Time: *f.ProcessedAt, Valid: true}
	}
	return m
}

func fromModel(m fileModel) domain.PointCloudFile {
	f := domain.PointCloudFile{
		ID:         m.ID,
		ProjectID:  m.ProjectID,
		UploaderID: m.UploaderID,
		Filename:   m.Filename,
		ObjectKey:  m.ObjectKey,
		Format:     m.Format,
		SizeBytes:  m.SizeBytes,
		Checksum:   m.Checksum,
		Status:     domain.FileStatus(m.Status),
		RetryCount: m.RetryCount,
		PointCount: m.PointCount,
		Dimensions: m.Dimensions,
		HasColors:  m.HasColors,
		HasNormals: m.HasNormals,
		Density:    m.Density,
		UploadedAt: m.UploadedAt,
	}
	if m.Error.Valid {
		f.Error = m.Error.String
	}
	if m.MinX.Valid {
		f.Bounds = &domain.BoundingBox{
			MinX: m.MinX.Float64,
			MinY: m.MinY.Float64,
			MinZ: m.MinZ.Float64,
			MaxX: m.MaxX.Float64,
			MaxY: m.MaxY.Float64,
			MaxZ: m.MaxZ.Float64,
		}
	}
	if m.ProcessedAt.Valid {
		t := m.ProcessedAt.Time
		f.ProcessedAt = &t
	}
	return f
}

// Registry is the relational index of uploaded point cloud files.
type Registry struct {
	db     *bun.DB
	engine string
}

// Open connects to the configured database engine and returns a Registry
// backed by a long-lived *bun.DB. This hides *sql.DB usage from callers.
func Open(engine, dsn string) (*Registry, error) {
	switch engine {
	case "postgres", "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("storage: unsupported database engine %q", engine)
	}
	driverName := engine
	// The pgx stdlib registers driver name "pgx"; map "postgres" to that driver.
	if engine == "postgres" {
		driverName = "pgx"
	}
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	maxOpen := poolSizeForCPU(runtime.NumCPU())
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxOpen = n
		}
	}
	maxIdle := maxOpen
	if v := os.Getenv("DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxIdle = n
		}
	}
	// In-memory SQLite keeps a separate database per connection, which makes
	// schema changes invisible across the pool. Force a single connection.
	if engine == "sqlite" && strings.Contains(dsn, ":memory:") {
		maxOpen = 1
		maxIdle = 1
	}
	connMax := 5 * time.Minute
	if v := os.Getenv("DB_CONN_MAX_LIFETIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			connMax = time.Duration(n) * time.Second
		}
	}
	connIdle := 60
	if v := os.Getenv("DB_CONN_MAX_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			connIdle = n
		}
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMax)
	sqlDB.SetConnMaxIdleTime(time.Duration(connIdle) * time.Second)

	return &Registry{db: createBunDB(sqlDB, engine), engine: engine}, nil
}

// createBunDB constructs a *bun.DB for the provided *sql.DB and engine.
func createBunDB(sqlDB *sql.DB, engine string) *bun.DB {
	switch engine {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// Init creates the registry schema when it does not exist yet. Safe to call
// on every boot.
func (r *Registry) Init(ctx context.Context) error {
	if _, err := r.db.NewCreateTable().Model((*fileModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("storage: create pointcloud_files: %w", err)
	}
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_pointcloud_files_project ON pointcloud_files (project_id, uploaded_at)",
		"CREATE INDEX IF NOT EXISTS idx_pointcloud_files_status ON pointcloud_files (status)",
	}
	if r.engine == "mysql" {
		// MySQL has no CREATE INDEX IF NOT EXISTS; tolerate the duplicate error.
		stmts = []string{
			"CREATE INDEX idx_pointcloud_files_project ON pointcloud_files (project_id, uploaded_at)",
			"CREATE INDEX idx_pointcloud_files_status ON pointcloud_files (status)",
		}
	}
	for _, stmt := range stmts {
		if _, err := r.db.NewRaw(stmt).Exec(ctx); err != nil {
			if r.engine == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("storage: create index: %w", err)
		}
	}
	return nil
}

// InsertFile records a new upload.
func (r *Registry) InsertFile(ctx context.Context, f *domain.PointCloudFile) error {
	row := toModel(f)
	if _, err := r.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("storage: insert file %s: %w", f.ID, err)
	}
	return nil
}

// GetFile returns the file scoped to a project, or nil when absent or deleted.
func (r *Registry) GetFile(ctx context.Context, projectID, fileID string) (*domain.PointCloudFile, error) {
	var row fileModel
	err := r.db.NewSelect().Model(&row).
		Where("id = ?", fileID).
		Where("project_id = ?", projectID).
		Where("status != ?", string(domain.StatusDeleted)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	f := fromModel(row)
	return &f, nil
}

// LookupFile returns the file by ID regardless of project, or nil when absent.
// The worker resolves queued jobs through this path.
func (r *Registry) LookupFile(ctx context.Context, fileID string) (*domain.PointCloudFile, error) {
	var row fileModel
	err := r.db.NewSelect().Model(&row).Where("id = ?", fileID).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	f := fromModel(row)
	return &f, nil
}

// ListFiles pages through a project's files, newest first. A non-empty status
// narrows the listing. Deleted files never appear.
func (r *Registry) ListFiles(ctx context.Context, projectID string, status domain.FileStatus, page, size int) ([]domain.PointCloudFile, int, error) {
	if page < 1 {
		page = 1
	}
	var rows []fileModel
	q := r.db.NewSelect().Model(&rows).
		Where("project_id = ?", projectID).
		Where("status != ?", string(domain.StatusDeleted))
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	total, err := q.OrderExpr("uploaded_at DESC, id DESC").
		Limit(size).
		Offset((page - 1) * size).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	out := make([]domain.PointCloudFile, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, total, nil
}

// MarkUploaded finalizes an upload after the object store write succeeded.
func (r *Registry) MarkUploaded(ctx context.Context, fileID, checksum string, size int64) error {
	res, err := r.db.NewRaw(
		"UPDATE pointcloud_files SET status = ?, checksum = ?, size_bytes = ? WHERE id = ? AND status = ?",
		string(domain.StatusUploaded), checksum, size, fileID, string(domain.StatusUploading),
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: mark uploaded %s: %w", fileID, err)
	}
	return requireRows(res, fileID, domain.StatusUploaded)
}

// ClaimProcessing atomically moves a file into the processing state. It
// reports false when another worker already claimed it or the file moved on.
func (r *Registry) ClaimProcessing(ctx context.Context, fileID string) (bool, error) {
	claimable := []string{
		string(domain.StatusUploaded),
		string(domain.StatusProcessed),
		string(domain.StatusFailed),
	}
	res, err := r.db.NewRaw(
		"UPDATE pointcloud_files SET status = ?, error = NULL WHERE id = ? AND status IN (?)",
		string(domain.StatusProcessing), fileID, bun.In(claimable),
	).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: claim %s: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed stores analysis results and completes the processing cycle.
func (r *Registry) MarkProcessed(ctx context.Context, fileID string, a domain.Analysis, at time.Time) error {
	res, err := r.db.NewRaw(
		`UPDATE pointcloud_files SET status = ?, point_count = ?, dimensions = ?, has_colors = ?, has_normals = ?,
			min_x = ?, min_y = ?, min_z = ?, max_x = ?, max_y = ?, max_z = ?, density = ?, error = NULL, processed_at = ?
			WHERE id = ? AND status = ?`,
		string(domain.StatusProcessed), a.PointCount, a.Dimensions, a.HasColors, a.HasNormals,
		a.Bounds.MinX, a.Bounds.MinY, a.Bounds.MinZ, a.Bounds.MaxX, a.Bounds.MaxY, a.Bounds.MaxZ, a.Density, at,
		fileID, string(domain.StatusProcessing),
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: mark processed %s: %w", fileID, err)
	}
	return requireRows(res, fileID, domain.StatusProcessed)
}

// MarkFailed records a terminal processing or upload failure.
func (r *Registry) MarkFailed(ctx context.Context, fileID, message string) error {
	transient := []string{
		string(domain.StatusUploading),
		string(domain.StatusProcessing),
	}
	res, err := r.db.NewRaw(
		"UPDATE pointcloud_files SET status = ?, error = ? WHERE id = ? AND status IN (?)",
		string(domain.StatusFailed), message, fileID, bun.In(transient),
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: mark failed %s: %w", fileID, err)
	}
	return requireRows(res, fileID, domain.StatusFailed)
}

// IncrementRetry bumps the retry counter after a transient processing failure.
func (r *Registry) IncrementRetry(ctx context.Context, fileID string) error {
	_, err := r.db.NewRaw(
		"UPDATE pointcloud_files SET retry_count = retry_count + 1 WHERE id = ?", fileID,
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: increment retry %s: %w", fileID, err)
	}
	return nil
}

// SoftDelete hides the file from every listing while keeping the row for
// audit. It reports false when the file was already gone.
func (r *Registry) SoftDelete(ctx context.Context, projectID, fileID string) (bool, error) {
	res, err := r.db.NewRaw(
		"UPDATE pointcloud_files SET status = ? WHERE id = ? AND project_id = ? AND status != ?",
		string(domain.StatusDeleted), fileID, projectID, string(domain.StatusDeleted),
	).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: delete %s: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type statsRow struct {
	Status string `bun:"status"`
	Files  int64  `bun:"files"`
	Bytes  int64  `bun:"bytes"`
	Points int64  `bun:"points"`
}

// ProjectStats aggregates the live rows of one project.
func (r *Registry) ProjectStats(ctx context.Context, projectID string) (*domain.ProjectStats, error) {
	var rows []statsRow
	err := r.db.NewRaw(
		`SELECT status, COUNT(*) AS files, COALESCE(SUM(size_bytes), 0) AS bytes, COALESCE(SUM(point_count), 0) AS points
			FROM pointcloud_files WHERE project_id = ? AND status != ? GROUP BY status`,
		projectID, string(domain.StatusDeleted),
	).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	stats := &domain.ProjectStats{ProjectID: projectID, ByStatus: map[string]int64{}}
	for _, row := range rows {
		stats.TotalFiles += row.Files
		stats.TotalBytes += row.Bytes
		stats.TotalPoints += row.Points
		stats.ByStatus[row.Status] = row.Files
	}
	return stats, nil
}

// Ping verifies database connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error {
	return r.db.Close()
}

func requireRows(res sql.Result, fileID string, to domain.FileStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storage: file %s not in a state that allows %s", fileID, to)
	}
	return nil
}
