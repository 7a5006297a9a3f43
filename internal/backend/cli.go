package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CLIAdapter drives an agent CLI (claude, codex or goose) as a one-shot
// subprocess per message. The first Send starts a session; later sends resume it.
// Sends on one adapter are serialised because each resumes the previous one.
type CLIAdapter struct {
	mu sync.Mutex // Held for a whole Send; guards sessionID and started

	flavor       string
	command      string
	extraArgs    []string
	sessionID    string
	workDir      string
	model        string
	provider     string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

// NewCLIAdapter creates a subprocess adapter. The ProcessManager may be nil.
func NewCLIAdapter(cfg Config, procMgr *ProcessManager) (*CLIAdapter, error) {
	switch cfg.Type {
	case "claude", "codex", "goose":
	default:
		return nil, fmt.Errorf("unsupported CLI backend %q", cfg.Type)
	}

	command := cfg.Command
	if command == "" {
		command = cfg.Type
	}

	sessionID := cfg.SessionID
	if sessionID == "" && cfg.Type != "codex" {
		// codex assigns its own thread ID on the first exec
		sessionID = uuid.NewString()
		if cfg.Type == "goose" {
			sessionID = "productteam-" + sessionID[:8]
		}
	}

	return &CLIAdapter{
		flavor:       cfg.Type,
		command:      command,
		extraArgs:    append([]string(nil), cfg.Args...),
		sessionID:    sessionID,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		started:      cfg.Type == "codex" && cfg.SessionID != "",
		procMgr:      procMgr,
	}, nil
}

// Send runs the CLI once and parses its structured output.
func (a *CLIAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	args := a.buildArgs(msg)

	cmd := newCommand(ctx, a.command, args...)
	if a.workDir != "" {
		cmd.Dir = a.workDir
	}

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{Error: fmt.Sprintf("%s command failed: %v", a.flavor, err)}, err
	}

	var resp Response
	switch a.flavor {
	case "claude":
		resp, err = parseClaudeResponse(stdout)
	case "codex":
		resp, err = parseCodexEvents(stdout)
	case "goose":
		resp, err = parseGooseResponse(stdout)
	}
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse %s response: %v (stderr: %s)", a.flavor, err, string(stderr)),
		}, err
	}

	if resp.SessionID != "" {
		a.sessionID = resp.SessionID
	} else {
		resp.SessionID = a.sessionID
	}
	a.started = true

	return resp, nil
}

// Close is a no-op: every message is its own subprocess.
func (a *CLIAdapter) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (a *CLIAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *CLIAdapter) system(msg Message) string {
	if msg.System != "" {
		return msg.System
	}
	return a.systemPrompt
}

// buildArgs constructs the flavor-specific command line.
func (a *CLIAdapter) buildArgs(msg Message) []string {
	var args []string

	switch a.flavor {
	case "claude":
		args = []string{"-p", msg.Content, "--output-format", "json"}
		if a.started {
			args = append(args, "--resume", a.sessionID)
		} else {
			args = append(args, "--session-id", a.sessionID)
		}
		if a.model != "" {
			args = append(args, "--model", a.model)
		}
		if sys := a.system(msg); sys != "" {
			args = append(args, "--system-prompt", sys)
		}

	case "codex":
		// codex has no system prompt flag, so it is prepended to the message
		prompt := msg.Content
		if sys := a.system(msg); sys != "" {
			prompt = sys + "\n\n" + prompt
		}
		if a.started && a.sessionID != "" {
			args = []string{"exec", "resume", a.sessionID, prompt, "--json"}
		} else {
			args = []string{"exec", prompt, "--json"}
		}
		if a.model != "" {
			args = append(args, "--model", a.model)
		}

	case "goose":
		args = []string{"run", "--text", msg.Content, "--output-format", "json", "--name", a.sessionID}
		if a.started {
			args = append(args, "--resume")
		}
		if a.provider != "" {
			args = append(args, "--provider", a.provider)
		}
		if a.model != "" {
			args = append(args, "--model", a.model)
		}
		if sys := a.system(msg); sys != "" {
			args = append(args, "--system", sys)
		}
	}

	return append(args, a.extraArgs...)
}

// parseClaudeResponse accepts both the flat form {"result": "text"} and the
// block form {"result": {"content": [{"type": "text", "text": "..."}]}}.
func parseClaudeResponse(data []byte) (Response, error) {
	var raw struct {
		SessionID string          `json:"session_id"`
		IsError   bool            `json:"is_error"`
		Result    json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var content string
	var flat string
	if err := json.Unmarshal(raw.Result, &flat); err == nil {
		content = flat
	} else {
		var blocks struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(raw.Result, &blocks); err != nil {
			return Response{}, fmt.Errorf("unexpected result shape: %w", err)
		}
		for _, item := range blocks.Content {
			if item.Type == "text" {
				content += item.Text
			}
		}
	}

	if raw.IsError {
		return Response{}, fmt.Errorf("claude reported an error: %s", content)
	}

	return Response{Content: content, SessionID: raw.SessionID}, nil
}

// parseCodexEvents reads the newline-delimited event stream, taking the
// thread ID from thread start events and the content of the last completed turn.
func parseCodexEvents(data []byte) (Response, error) {
	var resp Response
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt struct {
			Type     string `json:"type"`
			ThreadID string `json:"thread_id"`
			Content  string `json:"content"`
		}
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return Response{}, fmt.Errorf("failed to parse event: %w", err)
		}

		switch evt.Type {
		case "ThreadStarted", "thread.started":
			resp.SessionID = evt.ThreadID
		case "TurnCompleted", "turn.completed":
			resp.Content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("error reading events: %w", err)
	}

	return resp, nil
}

// parseGooseResponse tries a single JSON object first, then newline-delimited JSON.
func parseGooseResponse(data []byte) (Response, error) {
	type gooseResponse struct {
		Content string `json:"content"`
	}

	var single gooseResponse
	if err := json.Unmarshal(data, &single); err == nil {
		return Response{Content: single.Content}, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lineResp gooseResponse
		if err := json.Unmarshal([]byte(line), &lineResp); err == nil && lineResp.Content != "" {
			contents = append(contents, lineResp.Content)
		}
	}
	if len(contents) > 0 {
		return Response{Content: strings.Join(contents, "\n")}, nil
	}

	return Response{}, fmt.Errorf("failed to parse Goose JSON response")
}
