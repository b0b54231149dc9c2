package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/conductor/internal/config"
)

// AgentCLI runs each command as a one-shot prompt to a coding agent CLI:
// claude, codex or goose. The prompt runs in the task workspace.
type AgentCLI struct {
	kind     string
	binary   string
	model    string
	provider string
	extra    []string
	pm       *ProcessManager
}

// NewAgentCLI creates an agent executor for cfg.Type.
func NewAgentCLI(cfg config.ExecutorConfig, pm *ProcessManager) (*AgentCLI, error) {
	switch cfg.Type {
	case "claude", "codex", "goose":
	default:
		return nil, fmt.Errorf("unknown agent CLI: %s", cfg.Type)
	}
	binary := cfg.Command
	if binary == "" {
		binary = cfg.Type
	}
	return &AgentCLI{
		kind:     cfg.Type,
		binary:   binary,
		model:    cfg.Model,
		provider: cfg.Provider,
		extra:    cfg.Args,
		pm:       pm,
	}, nil
}

func (a *AgentCLI) Name() string { return a.kind }

func (a *AgentCLI) Cancel(handle string) error {
	return a.pm.Kill(handle)
}

func (a *AgentCLI) Run(ctx context.Context, req Request) (Result, error) {
	// Structured agents print JSON; only goose output is useful line by line.
	streaming := req
	if a.kind != "goose" {
		streaming.Output = nil
	}

	res, stdout, err := runProcess(ctx, a.pm, streaming, a.kind, a.binary, a.buildArgs(req)...)
	if err != nil {
		return res, err
	}

	content, perr := a.parse(stdout)
	if perr != nil {
		res.Success = false
		res.Error = fmt.Sprintf("failed to parse %s response: %v", a.kind, perr)
		return res, fmt.Errorf("failed to parse %s response: %w", a.kind, perr)
	}
	res.Output = content
	if req.Output != nil && a.kind != "goose" {
		for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
			req.Output(line)
		}
	}
	return res, nil
}

// buildArgs constructs the command-line arguments for the agent CLI.
func (a *AgentCLI) buildArgs(req Request) []string {
	prompt := req.Command
	if req.Context != "" {
		prompt = fmt.Sprintf("%s\n\nContext: %s", req.Command, req.Context)
	}

	var args []string
	switch a.kind {
	case "claude":
		args = []string{"-p", prompt, "--output-format", "json"}
		if a.model != "" {
			args = append(args, "--model", a.model)
		}
	case "codex":
		args = []string{"exec", prompt, "--json"}
		if a.model != "" {
			args = append(args, "--model", a.model)
		}
	case "goose":
		args = []string{"run", "--text", prompt}
		if a.provider != "" {
			args = append(args, "--provider", a.provider)
		}
		if a.model != "" {
			args = append(args, "--model", a.model)
		}
	}
	return append(args, a.extra...)
}

func (a *AgentCLI) parse(stdout []byte) (string, error) {
	switch a.kind {
	case "claude":
		return parseClaudeResponse(stdout)
	case "codex":
		_, content, err := parseCodexEvents(stdout)
		return content, err
	default:
		return parseGooseResponse(stdout), nil
	}
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
// Result is either the final text or an object holding content blocks.
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// parseClaudeResponse extracts the text of a claude JSON response.
func parseClaudeResponse(data []byte) (string, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var text string
	if len(cr.Result) > 0 {
		if err := json.Unmarshal(cr.Result, &text); err != nil {
			var cc claudeContent
			if err := json.Unmarshal(cr.Result, &cc); err != nil {
				return "", fmt.Errorf("unexpected result shape: %w", err)
			}
			var sb strings.Builder
			for _, item := range cc.Content {
				if item.Type == "text" {
					sb.WriteString(item.Text)
				}
			}
			text = sb.String()
		}
	}

	if cr.IsError {
		return "", fmt.Errorf("agent reported an error: %s", text)
	}
	return text, nil
}

// codexEvent is one line of the codex --json event stream.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

// parseCodexEvents parses newline-delimited JSON events from codex. It
// returns the thread id and the content of the last completed turn.
func parseCodexEvents(data []byte) (threadID string, content string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if perr := json.Unmarshal([]byte(line), &evt); perr != nil {
			return "", "", fmt.Errorf("failed to parse event: %w", perr)
		}

		switch evt.Type {
		case "ThreadStarted":
			threadID = evt.ThreadID
		case "TurnCompleted":
			content = evt.Content
		}
	}

	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("error reading events: %w", err)
	}
	return threadID, content, nil
}

// parseGooseResponse returns the goose output text. JSON objects with a
// content field, single or newline-delimited, are unwrapped; anything else is
// returned as printed.
func parseGooseResponse(data []byte) string {
	type gooseResponse struct {
		Content string `json:"content"`
	}

	var single gooseResponse
	if err := json.Unmarshal(data, &single); err == nil && single.Content != "" {
		return single.Content
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var lr gooseResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &lr); err != nil {
			return string(data)
		}
		if lr.Content != "" {
			contents = append(contents, lr.Content)
		}
	}
	if len(contents) == 0 {
		return string(data)
	}
	return strings.Join(contents, "\n")
}
