package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// RegisterBuiltins wires the standard tool backends into the gateway.
// File tools are confined to the workspace root; their resource key is
// the cleaned workspace-relative path, so concurrent edits of one file
// serialize while edits of different files proceed in parallel.
func RegisterBuiltins(g *Gateway, workspace string) {
	g.Register(Tool{
		ID:          "read_file",
		Description: "Read a file from the mission workspace",
		Parameters: objSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "workspace-relative path"},
		}, []string{"path"}),
		ResourceKey: pathKey(workspace),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			p, err := resolvePath(workspace, in.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})

	g.Register(Tool{
		ID:          "write_file",
		Description: "Write a file in the mission workspace, creating parent directories",
		Parameters: objSchema(map[string]any{
			"path":    map[string]any{"type": "string", "description": "workspace-relative path"},
			"content": map[string]any{"type": "string"},
		}, []string{"path", "content"}),
		ResourceKey: pathKey(workspace),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			p, err := resolvePath(workspace, in.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(p, []byte(in.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
		},
	})

	g.Register(Tool{
		ID:          "list_dir",
		Description: "List entries of a workspace directory",
		Parameters: objSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "workspace-relative path, empty for root"},
		}, nil),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Path string `json:"path"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("parse args: %w", err)
				}
			}
			p, err := resolvePath(workspace, in.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(p)
			if err != nil {
				return "", err
			}
			var names []string
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			return strings.Join(names, "\n"), nil
		},
	})

	g.Register(Tool{
		ID:          "http_get",
		Description: "Fetch a URL over HTTP GET",
		Parameters: objSchema(map[string]any{
			"url": map[string]any{"type": "string"},
		}, []string{"url"}),
		Handler: httpGetHandler(&http.Client{Timeout: 30 * time.Second}),
	})

	g.Register(Tool{
		ID:          "run_command",
		Description: "Run a shell command in the mission workspace",
		Parameters: objSchema(map[string]any{
			"command": map[string]any{"type": "string"},
		}, []string{"command"}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			if strings.TrimSpace(in.Command) == "" {
				return "", errors.New("empty command")
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
			cmd.Dir = workspace
			out, err := cmd.CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("command failed: %w\n%s", err, out)
			}
			return string(out), nil
		},
	})
}

// httpGetHandler classifies HTTP failures: timeouts and server-side
// errors are transient, client errors permanent.
func httpGetHandler(client *http.Client) Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var in struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", &ToolError{Tool: "http_get", Kind: Transient, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", &ToolError{Tool: "http_get", Kind: Transient, Err: err}
		}
		switch {
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return "", &ToolError{Tool: "http_get", Kind: Transient,
				Err: fmt.Errorf("HTTP %d from %s", resp.StatusCode, in.URL)}
		case resp.StatusCode >= 400:
			return "", &ToolError{Tool: "http_get", Kind: Permanent,
				Err: fmt.Errorf("HTTP %d from %s", resp.StatusCode, in.URL)}
		}
		return string(body), nil
	}
}

// pathKey derives the serialization key for file tools from the path
// argument.
func pathKey(workspace string) func(json.RawMessage) string {
	return func(args json.RawMessage) string {
		var in struct {
			Path string `json:"path"`
		}
		if json.Unmarshal(args, &in) != nil {
			return ""
		}
		p, err := resolvePath(workspace, in.Path)
		if err != nil {
			return ""
		}
		return p
	}
}

// resolvePath confines a workspace-relative path, rejecting traversal
// outside the workspace root.
func resolvePath(workspace, rel string) (string, error) {
	p := filepath.Clean(filepath.Join(workspace, rel))
	root := filepath.Clean(workspace)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return p, nil
}

func objSchema(props map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
