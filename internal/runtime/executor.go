// Package runtime executes one task by driving a worker's reasoning
// backend in a tool-call loop through the gateway.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/duneforge/workforce/internal/provider"
	"github.com/duneforge/workforce/internal/toolgate"
	"go.uber.org/zap"
)

// maxToolRounds bounds the reasoning/tool loop per attempt.
const maxToolRounds = 8

// Executor runs tasks for one mission. All side effects flow through the
// gateway; the executor only reports them into the mission store's
// activity log.
type Executor struct {
	router *provider.Router
	gate   *toolgate.Gateway
	store  *mission.Store
	logger *zap.Logger
}

// New creates an executor bound to one mission store.
func New(router *provider.Router, gate *toolgate.Gateway, store *mission.Store, logger *zap.Logger) *Executor {
	return &Executor{router: router, gate: gate, store: store, logger: logger}
}

// ExecuteTask runs a single task to a text result. Dependency results
// are fed to the worker as context so downstream tasks build on
// upstream output.
func (e *Executor) ExecuteTask(ctx context.Context, w *mission.Worker, t *mission.Task) (string, error) {
	req := &provider.ChatRequest{
		Messages:  e.buildMessages(w, t),
		MaxTokens: 4096,
	}
	if defs := e.gate.Definitions(w.ToolScopes); len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = "auto"
	}

	var resp *provider.ChatResponse
	for round := 0; round < maxToolRounds; round++ {
		var err error
		resp, err = e.router.Route(ctx, w.ModelPreference, req)
		if err != nil {
			return "", fmt.Errorf("reasoning call: %w", err)
		}
		if len(resp.ToolCalls) == 0 || resp.FinishReason != "tool_calls" {
			break
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result, err := e.gate.Invoke(ctx, w.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments))
			if err != nil {
				// Gateway refusals and backend failures fail the whole
				// attempt; the scheduler decides whether to retry.
				return "", err
			}
			e.store.RecordToolCall(t.ID, w.ID, tc.Function.Name, map[string]any{
				"duration_ms": result.Duration.Milliseconds(),
			})
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    result.Output,
				ToolCallID: tc.ID,
			})
		}

		e.logger.Debug("tool round complete",
			zap.String("task", t.ID),
			zap.String("worker", w.ID),
			zap.Int("round", round+1),
			zap.Int("tool_calls", len(resp.ToolCalls)))
	}

	if resp == nil {
		return "", fmt.Errorf("no response for task %s", t.ID)
	}
	return resp.Content, nil
}

func (e *Executor) buildMessages(w *mission.Worker, t *mission.Task) []provider.Message {
	msgs := []provider.Message{{
		Role: "system",
		Content: fmt.Sprintf("You are %s. %s\nComplete the assigned task and reply with the final result only.",
			w.Name, w.Description),
	}}

	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(t.Description)
	for _, dep := range t.DependsOn {
		d, ok := e.store.Task(dep)
		if !ok || d.Result == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\nResult of prerequisite %s:\n%s", dep, d.Result)
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: b.String()})
	return msgs
}
