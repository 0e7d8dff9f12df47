// Package handlers provides built-in worker.Handler implementations.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/scarson/jobrunner/internal/worker"
)

// maxOutput caps how much combined output is kept for error messages.
const maxOutput = 4 << 10

// CommandPayload is the job payload understood by Command.
type CommandPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// Command runs the executable named in the payload. A non-zero exit status is
// a retryable failure; a malformed payload or a missing executable is
// permanent since retrying cannot fix either.
func Command(ctx context.Context, payload json.RawMessage) error {
	var p CommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("decode command payload: %w", err))
	}
	if strings.TrimSpace(p.Command) == "" {
		return worker.Permanent(errors.New("command payload: command is required"))
	}

	path, err := exec.LookPath(p.Command)
	if err != nil {
		return worker.Permanent(fmt.Errorf("look up %q: %w", p.Command, err))
	}

	cmd := exec.CommandContext(ctx, path, p.Args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w: %s", p.Command, err, truncate(out.String()))
	}
	slog.DebugContext(ctx, "command finished", "command", p.Command, "output_len", out.Len())
	return nil
}

// truncate trims s to at most maxOutput bytes without splitting a rune.
func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	cut := maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
