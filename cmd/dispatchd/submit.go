package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/urbanfleet/dispatch/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job manifest to a broker",
	Long: `Submit reads a YAML job manifest and POSTs it to a broker's job
queue.

Example:
  dispatchd submit -f job.yaml --broker localhost:8080`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "job manifest file (required)")
	submitCmd.Flags().String("broker", "localhost:8080", "broker address")
	_ = submitCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(submitCmd)
}

// jobManifest is the on-disk shape of a submittable job.
type jobManifest struct {
	JobID        string              `yaml:"jobId"`
	UserPriority int                 `yaml:"userPriority"`
	Capabilities types.CapabilitiesRequired `yaml:"capabilities"`
	DependsOn    []string            `yaml:"dependsOn,omitempty"`
	Payload      string              `yaml:"payload"`
}

type submitRequest struct {
	JobID        string        `json:"job_id"`
	Info         types.JobInfo `json:"info"`
	UserPriority int           `json:"user_priority"`
}

type submitResponse struct {
	JobID string            `json:"job_id"`
	Clock map[string]uint64 `json:"clock_snapshot"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	broker, _ := cmd.Flags().GetString("broker")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest jobManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.JobID == "" {
		return fmt.Errorf("manifest: jobId is required")
	}

	req := submitRequest{
		JobID:        manifest.JobID,
		UserPriority: manifest.UserPriority,
		Info: types.JobInfo{
			Payload:      []byte(manifest.Payload),
			Capabilities: manifest.Capabilities,
			DependsOn:    manifest.DependsOn,
		},
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s/jobs", broker), "application/json", buf)
	if err != nil {
		return fmt.Errorf("submit to broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("broker rejected job: %s (%s)", resp.Status, body.Error)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("job accepted: %s (clock=%v)\n", out.JobID, out.Clock)
	return nil
}
