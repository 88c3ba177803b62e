// Package commands implements the push-command channel between the control
// plane and worker agents: operators or internal components push
// a command onto commands:<node_id>, the worker executes it and publishes
// the result back on command_results:<cmd_id>. This is a supplemented
// feature — the worker-pull job queue (pkg/queue) and this push channel
// solve different problems: the queue moves units of fleet work, this moves
// one-off operator/doctor actions (shell, container control, health pings).
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
)

// Type enumerates the worker-side handlers a command can target.
type Type string

const (
	TypeShell      Type = "shell"
	TypeDockerRun  Type = "docker_run"
	TypeDockerStop Type = "docker_stop"
	TypeDockerLogs Type = "docker_logs"
	TypePing       Type = "ping"
)

// Command is the payload pushed onto commands:<node_id>.
type Command struct {
	ID     string         `json:"id"`
	Type   Type           `json:"type"`
	NodeID string         `json:"node_id"`
	Params map[string]any `json:"params,omitempty"`
	SentAt time.Time      `json:"sent_at"`
}

// Result is what a worker publishes back on command_results:<cmd_id>.
type Result struct {
	CommandID string         `json:"command_id"`
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultAwaitTimeout bounds how long AwaitResult waits for a worker's
// response before giving up.
const DefaultAwaitTimeout = 30 * time.Second

// Dispatcher pushes commands to workers and can wait for their result.
type Dispatcher struct {
	store store.Store
}

// New creates a Dispatcher.
func New(s store.Store) *Dispatcher {
	return &Dispatcher{store: s}
}

// Send publishes a command to nodeID's command channel and returns its id.
func (d *Dispatcher) Send(ctx context.Context, nodeID string, cmdType Type, params map[string]any) (string, error) {
	cmd := Command{
		ID:     uuid.NewString(),
		Type:   cmdType,
		NodeID: nodeID,
		Params: params,
		SentAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encoding command: %w", err)
	}
	if err := d.store.Publish(ctx, store.ChannelCommands(nodeID), string(payload)); err != nil {
		return "", fmt.Errorf("publishing command: %w", err)
	}
	return cmd.ID, nil
}

// AwaitResult subscribes to command_results:<cmd_id> and waits for the
// worker's reply, up to the context deadline or DefaultAwaitTimeout,
// whichever is sooner.
func (d *Dispatcher) AwaitResult(ctx context.Context, cmdID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultAwaitTimeout)
	defer cancel()

	sub := d.store.Subscribe(ctx, store.ChannelCommandResult(cmdID))
	defer sub.Close()

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return Result{}, fmt.Errorf("commands: subscription closed before result for %s", cmdID)
		}
		var result Result
		if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
			return Result{}, fmt.Errorf("decoding command result: %w", err)
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("commands: timed out awaiting result for %s: %w", cmdID, ctx.Err())
	}
}

// PublishResult is called worker-side (or by a test double standing in for
// one) to report a command's outcome.
func (d *Dispatcher) PublishResult(ctx context.Context, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding command result: %w", err)
	}
	return d.store.Publish(ctx, store.ChannelCommandResult(result.CommandID), string(payload))
}
