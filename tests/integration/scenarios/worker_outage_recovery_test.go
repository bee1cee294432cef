package scenarios

import (
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"
)

// Jobs must survive a worker outage in the queue and complete once the
// worker returns.
func TestWorkerOutageRecovery(t *testing.T) {
	if os.Getenv("ENABLE_DOCKER_CMDS") != "1" {
		t.Skip("docker control disabled")
	}
	client := newClient(t)
	projectID := newProjectID("outage")

	worker := os.Getenv("WORKER_CONTAINER")
	if worker == "" {
		worker = "pointcloud-worker"
	}
	docker := func(args ...string) error {
		cmd := exec.Command("docker", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}

	if err := docker("stop", worker); err != nil {
		t.Fatalf("stop worker: %v", err)
	}
	t.Cleanup(func() {
		docker("start", worker)
	})

	payload := buildNPY(t, 10, 3, gridCloud(10))
	created, resp := uploadFile(t, client, projectID, "outage.npy", payload, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}

	// With the worker stopped the job waits in the queue.
	time.Sleep(2 * time.Second)
	var file pointCloudFile
	getResp, err := client.GetJSON(projectPath(projectID)+"/"+created.ID, &file)
	if err != nil || getResp.StatusCode != http.StatusOK {
		t.Fatalf("get file: status %v err %v", getResp.StatusCode, err)
	}
	if file.Status == "processed" || file.Status == "failed" {
		t.Fatalf("file reached %q with the worker stopped", file.Status)
	}

	if err := docker("start", worker); err != nil {
		t.Fatalf("restart worker: %v", err)
	}
	recovered := pollFile(t, client, projectID, created.ID, func(f pointCloudFile) bool {
		return f.Status == "processed" || f.Status == "failed"
	})
	if recovered.Status != "processed" {
		t.Fatalf("file did not recover: status %q error %q", recovered.Status, recovered.Error)
	}
}
