package scenarios

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	integration "pointcloudtest"
	"pointcloudtest/internal/httpclient"

	"gopkg.in/yaml.v3"
)

type boundingBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MinZ float64 `json:"minZ"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
	MaxZ float64 `json:"maxZ"`
}

type pointCloudFile struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"projectId"`
	Filename   string       `json:"filename"`
	Format     string       `json:"format"`
	SizeBytes  int64        `json:"sizeBytes"`
	Checksum   string       `json:"checksum"`
	Status     string       `json:"status"`
	Error      string       `json:"error"`
	PointCount int64        `json:"pointCount"`
	Dimensions int          `json:"dimensions"`
	HasColors  bool         `json:"hasColors"`
	HasNormals bool         `json:"hasNormals"`
	Bounds     *boundingBox `json:"bounds"`
	Density    float64      `json:"density"`
}

type listPage struct {
	Items []pointCloudFile `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Size  int              `json:"size"`
	Pages int              `json:"pages"`
}

type statsResponse struct {
	ProjectID   string           `json:"projectId"`
	TotalFiles  int64            `json:"totalFiles"`
	TotalBytes  int64            `json:"totalBytes"`
	TotalPoints int64            `json:"totalPoints"`
	ByStatus    map[string]int64 `json:"byStatus"`
}

func newClient(t *testing.T, projects ...string) *httpclient.Client {
	base := os.Getenv("API_BASE")
	if base == "" {
		base = "http://localhost:8000"
	}
	health := os.Getenv("HEALTH_ENDPOINT")
	if health == "" {
		health = "/healthz"
	}
	if _, err := http.Get(base + health); err != nil {
		t.Skipf("skipping, API not reachable: %v", err)
	}
	bearer := os.Getenv("TEST_BEARER")
	if bearer == "" {
		tok, err := integration.TestToken("integration-user", projects...)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		bearer = tok
	}
	return httpclient.New(base, bearer)
}

func newProjectID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func projectPath(projectID string) string {
	return "/api/v1/projects/" + projectID + "/pointclouds"
}

// buildNPY encodes rows x cols float32 values as a v1 .npy payload, the
// same bytes np.save would produce.
func buildNPY(t *testing.T, rows, cols int, values []float32) []byte {
	t.Helper()
	if len(values) != rows*cols {
		t.Fatalf("buildNPY: want %d values, got %d", rows*cols, len(values))
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", rows, cols)
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	buf := new(bytes.Buffer)
	buf.WriteString("\x93NUMPY")
	buf.WriteByte(1)
	buf.WriteByte(0)
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(header))); err != nil {
		t.Fatalf("buildNPY: %v", err)
	}
	buf.WriteString(header)
	if err := binary.Write(buf, binary.LittleEndian, values); err != nil {
		t.Fatalf("buildNPY: %v", err)
	}
	return buf.Bytes()
}

// gridCloud generates an easily verifiable cloud: point i is (i, 2i, 3i).
func gridCloud(rows int) []float32 {
	values := make([]float32, 0, rows*3)
	for i := 0; i < rows; i++ {
		values = append(values, float32(i), float32(2*i), float32(3*i))
	}
	return values
}

func uploadFile(t *testing.T, client *httpclient.Client, projectID, filename string, payload []byte, headers map[string]string) (pointCloudFile, *http.Response) {
	t.Helper()
	resp, err := client.PostMultipart(projectPath(projectID), filename, payload, headers, nil)
	if err != nil {
		t.Fatalf("upload %s: %v", filename, err)
	}
	defer resp.Body.Close()
	var file pointCloudFile
	// Error responses carry the API error envelope, not a file record.
	if resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
			t.Fatalf("decode upload %s: %v", filename, err)
		}
	}
	return file, resp
}

// pollFile polls the single-file endpoint until cond returns true or the
// processing SLA expires.
func pollFile(t *testing.T, client *httpclient.Client, projectID, fileID string, cond func(pointCloudFile) bool) pointCloudFile {
	t.Helper()
	deadline := time.Now().Add(processingSLA(t))
	backoff := 200 * time.Millisecond
	var last pointCloudFile
	for {
		var file pointCloudFile
		resp, err := client.GetJSON(projectPath(projectID)+"/"+fileID, &file)
		if err == nil && resp.StatusCode == http.StatusOK {
			last = file
			if cond(file) {
				return file
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for file %s, last status %q error %q", fileID, last.Status, last.Error)
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func processingSLA(t *testing.T) time.Duration {
	sla := 30 * time.Second
	data, err := os.ReadFile("../config.test.yaml")
	if err != nil {
		return sla
	}
	var cfg struct {
		ProcessingSLAMs int `yaml:"processing_visibility_sla_ms"`
	}
	if err := yaml.Unmarshal(data, &cfg); err == nil && cfg.ProcessingSLAMs > 0 {
		sla = time.Duration(cfg.ProcessingSLAMs) * time.Millisecond
	}
	return sla
}
