package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/api"
	"github.com/aristath/conductor/internal/intake"
)

const submitTimeout = 30 * time.Second

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "spool file with a task, tasks or workflow section")
	server := fs.String("server", "", "API base URL")
	configPath := fs.String("config", "", "config file used to find the API address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "usage: conductor submit -f <file> [-server url]")
		return 2
	}

	base := *server
	if base == "" {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading config: %v\n", err)
			return 1
		}
		base = baseURL(cfg.HTTP.Addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	ids, err := submitFile(ctx, http.DefaultClient, base, *file)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, id := range ids {
		fmt.Fprintln(stdout, id)
	}
	return 0
}

// baseURL turns a listen address into a local URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// submitFile parses a spool file and posts its section to the matching
// endpoint. It returns the created task ids in file order.
func submitFile(ctx context.Context, client *http.Client, base, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := intake.Parse(data)
	if err != nil {
		return nil, err
	}

	var (
		endpoint string
		body     any
	)
	switch {
	case f.Task != nil:
		endpoint = "/api/tasks"
		body = api.SubmitTaskRequest{
			Description: f.Task.Description,
			Commands:    f.Task.Commands,
			Priority:    f.Task.Priority,
			DependsOn:   f.Task.DependsOn,
		}
	case len(f.Tasks) > 0:
		endpoint = "/api/batches"
		var req api.SubmitBatchRequest
		for _, it := range f.Batch() {
			req.Tasks = append(req.Tasks, api.BatchItemRequest{
				Key: it.Key,
				SubmitTaskRequest: api.SubmitTaskRequest{
					Description: it.Description,
					Commands:    it.Commands,
					Priority:    it.Priority,
					DependsOn:   it.DependsOn,
				},
				After: it.After,
			})
		}
		body = req
	default:
		endpoint = "/api/workflows"
		body = api.SubmitWorkflowRequest{
			ProjectName: f.Workflow.ProjectName,
			Features:    f.Workflow.Features,
			Scaffold:    f.Workflow.Scaffold,
			Finalize:    f.Workflow.Finalize,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", base, err)
	}
	defer resp.Body.Close()

	var out struct {
		TaskID  string   `json:"task_id"`
		TaskIDs []string `json:"task_ids"`
		Error   string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusCreated {
		if out.Error == "" {
			out.Error = resp.Status
		}
		return nil, errors.New(out.Error)
	}
	if out.TaskID != "" {
		return []string{out.TaskID}, nil
	}
	return out.TaskIDs, nil
}
