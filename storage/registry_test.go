package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"pointcloud-api/domain"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	if err := reg.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return reg
}

func testFile(id, projectID string, at time.Time) *domain.PointCloudFile {
	return &domain.PointCloudFile{
		ID:         id,
		ProjectID:  projectID,
		UploaderID: "user-1",
		Filename:   id + ".npy",
		ObjectKey:  domain.ObjectKey(projectID, id, ".npy"),
		Format:     "npy",
		SizeBytes:  128,
		Status:     domain.StatusUploading,
		UploadedAt: at,
	}
}

func TestRegistryUploadLifecycle(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := reg.InsertFile(ctx, testFile("f1", "p1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := reg.GetFile(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != domain.StatusUploading {
		t.Fatalf("unexpected file after insert: %#v", got)
	}

	other, err := reg.GetFile(ctx, "p2", "f1")
	if err != nil {
		t.Fatalf("get scoped: %v", err)
	}
	if other != nil {
		t.Fatalf("file should not resolve under another project: %#v", other)
	}

	if err := reg.MarkUploaded(ctx, "f1", "abc123", 4096); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	got, err = reg.GetFile(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("get after upload: %v", err)
	}
	if got.Status != domain.StatusUploaded || got.Checksum != "abc123" || got.SizeBytes != 4096 {
		t.Fatalf("unexpected uploaded file: %#v", got)
	}

	claimed, err := reg.ClaimProcessing(ctx, "f1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected to claim uploaded file")
	}
	again, err := reg.ClaimProcessing(ctx, "f1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again {
		t.Fatal("second claim should lose")
	}

	analysis := domain.Analysis{
		PointCount: 5000,
		Dimensions: 6,
		HasColors:  true,
		Bounds:     domain.BoundingBox{MinX: -1, MinY: -2, MinZ: -3, MaxX: 1, MaxY: 2, MaxZ: 3},
		Density:    5000.0 / 48.0,
	}
	if err := reg.MarkProcessed(ctx, "f1", analysis, now.Add(time.Second)); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	got, err = reg.GetFile(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("get processed: %v", err)
	}
	if !got.Ready() {
		t.Fatalf("file should be ready: %#v", got)
	}
	if got.PointCount != 5000 || got.Dimensions != 6 || !got.HasColors || got.HasNormals {
		t.Fatalf("analysis columns not persisted: %#v", got)
	}
	if got.Bounds == nil || got.Bounds.MaxZ != 3 || got.Bounds.MinX != -1 {
		t.Fatalf("bounds not persisted: %#v", got.Bounds)
	}
	if got.ProcessedAt == nil {
		t.Fatal("processed_at should be set")
	}

	deleted, err := reg.SoftDelete(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to affect the row")
	}
	got, err = reg.GetFile(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	if got != nil {
		t.Fatalf("deleted file should not resolve: %#v", got)
	}
	again, err = reg.SoftDelete(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if again {
		t.Fatal("second delete should be a no-op")
	}
}

func TestRegistryLookupFileIgnoresProject(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.InsertFile(ctx, testFile("f1", "p1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := reg.LookupFile(ctx, "f1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.ProjectID != "p1" {
		t.Fatalf("unexpected lookup result: %#v", got)
	}

	missing, err := reg.LookupFile(ctx, "nope")
	if err != nil {
		t.Fatalf("lookup missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing file should be nil, got %#v", missing)
	}
}

func TestRegistryMarkGuards(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.InsertFile(ctx, testFile("f1", "p1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Still uploading, so a processing completion must not apply.
	err := reg.MarkProcessed(ctx, "f1", domain.Analysis{PointCount: 1}, time.Now().UTC())
	if err == nil || !strings.Contains(err.Error(), "not in a state") {
		t.Fatalf("expected guard error, got %v", err)
	}

	// Upload failures are recorded from the uploading state.
	if err := reg.MarkFailed(ctx, "f1", "stream aborted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := reg.GetFile(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusFailed || got.Error != "stream aborted" {
		t.Fatalf("unexpected failed file: %#v", got)
	}

	// A failed file is claimable again for reprocessing.
	claimed, err := reg.ClaimProcessing(ctx, "f1")
	if err != nil {
		t.Fatalf("claim failed file: %v", err)
	}
	if !claimed {
		t.Fatal("failed file should be claimable")
	}
	got, err = reg.GetFile(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("get claimed: %v", err)
	}
	if got.Error != "" {
		t.Fatalf("claim should clear the error, got %q", got.Error)
	}
}

func TestRegistryIncrementRetry(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.InsertFile(ctx, testFile("f1", "p1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := reg.IncrementRetry(ctx, "f1"); err != nil {
			t.Fatalf("increment retry: %v", err)
		}
	}
	got, err := reg.GetFile(ctx, "p1", "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", got.RetryCount)
	}
}

func TestRegistryListFilesPagination(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	ids := []string{"f1", "f2", "f3", "f4", "f5"}
	for i, id := range ids {
		f := testFile(id, "p1", base.Add(time.Duration(i)*time.Minute))
		if err := reg.InsertFile(ctx, f); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := reg.InsertFile(ctx, testFile("other", "p2", base)); err != nil {
		t.Fatalf("insert other project: %v", err)
	}

	page1, total, err := reg.ListFiles(ctx, "p1", "", 1, 2)
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if len(page1) != 2 || page1[0].ID != "f5" || page1[1].ID != "f4" {
		t.Fatalf("unexpected page 1: %#v", page1)
	}

	page3, total, err := reg.ListFiles(ctx, "p1", "", 3, 2)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if total != 5 || len(page3) != 1 || page3[0].ID != "f1" {
		t.Fatalf("unexpected page 3: %#v", page3)
	}
}

func TestRegistryListFilesStatusFilter(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"f1", "f2", "f3"} {
		if err := reg.InsertFile(ctx, testFile(id, "p1", now)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := reg.MarkUploaded(ctx, "f2", "sum", 10); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if _, err := reg.SoftDelete(ctx, "p1", "f3"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	uploaded, total, err := reg.ListFiles(ctx, "p1", domain.StatusUploaded, 1, 10)
	if err != nil {
		t.Fatalf("list uploaded: %v", err)
	}
	if total != 1 || len(uploaded) != 1 || uploaded[0].ID != "f2" {
		t.Fatalf("unexpected filtered listing: %#v", uploaded)
	}

	all, total, err := reg.ListFiles(ctx, "p1", "", 1, 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Fatalf("deleted files must not be listed: total=%d items=%#v", total, all)
	}
}

func TestRegistryProjectStats(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"f1", "f2", "f3"} {
		if err := reg.InsertFile(ctx, testFile(id, "p1", now)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := reg.MarkUploaded(ctx, "f1", "sum", 1000); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if _, err := reg.ClaimProcessing(ctx, "f1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	analysis := domain.Analysis{
		PointCount: 2500,
		Dimensions: 3,
		Bounds:     domain.BoundingBox{MaxX: 1, MaxY: 1, MaxZ: 1},
	}
	if err := reg.MarkProcessed(ctx, "f1", analysis, now); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if _, err := reg.SoftDelete(ctx, "p1", "f3"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	stats, err := reg.ProjectStats(ctx, "p1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalFiles != 2 {
		t.Fatalf("total files = %d, want 2", stats.TotalFiles)
	}
	if stats.TotalBytes != 1000+128 {
		t.Fatalf("total bytes = %d, want %d", stats.TotalBytes, 1000+128)
	}
	if stats.TotalPoints != 2500 {
		t.Fatalf("total points = %d, want 2500", stats.TotalPoints)
	}
	if stats.ByStatus[string(domain.StatusProcessed)] != 1 || stats.ByStatus[string(domain.StatusUploading)] != 1 {
		t.Fatalf("unexpected status breakdown: %#v", stats.ByStatus)
	}
	if _, ok := stats.ByStatus[string(domain.StatusDeleted)]; ok {
		t.Fatalf("deleted rows must not be counted: %#v", stats.ByStatus)
	}
}

func TestOpenRejectsUnknownEngine(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported engine")
	}
}

func TestPoolSizeForCPU(t *testing.T) {
	tests := []struct {
		name string
		cpu  int
		want int
	}{
		{name: "below minimum", cpu: 0, want: defaultPoolSize},
		{name: "single cpu", cpu: 1, want: poolPerCPU},
		{name: "multi cpu scale", cpu: 4, want: 16},
		{name: "cap applied", cpu: 32, want: maxPoolSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := poolSizeForCPU(tt.cpu)
			if got != tt.want {
				t.Fatalf("poolSizeForCPU(%d) = %d, want %d", tt.cpu, got, tt.want)
			}
		})
	}
}
