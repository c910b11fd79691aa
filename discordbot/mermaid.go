package discordbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var ErrEmptyDiagram = errors.New("no diagram source provided")

// DiagramRenderer renders mermaid source to a PNG image
type DiagramRenderer interface {
	Render(ctx context.Context, source string) ([]byte, error)
}

// MermaidRenderer renders diagrams with the mermaid-cli (`mmdc`)
// executable. Each render uses its own temporary directory, which is
// removed afterward.
type MermaidRenderer struct {
	command string
	timeout time.Duration
}

func NewMermaidRenderer(config *MermaidConfig) *MermaidRenderer {
	return &MermaidRenderer{command: config.Command, timeout: config.Timeout}
}

func (m *MermaidRenderer) Render(ctx context.Context, source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, ErrEmptyDiagram
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "discordbot-mermaid-")
	if err != nil {
		return nil, fmt.Errorf("error creating temp dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	input := filepath.Join(dir, "diagram.mmd")
	output := filepath.Join(dir, "diagram.png")
	if err = os.WriteFile(input, []byte(source), 0o600); err != nil {
		return nil, fmt.Errorf("error writing diagram source: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.command, "-i", input, "-o", output)
	cmd.Stderr = &stderr
	if err = cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("error rendering diagram: %w", err)
		}
		return nil, fmt.Errorf("error rendering diagram: %w: %s", err, truncate(msg, 500))
	}

	img, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("error reading rendered diagram: %w", err)
	}
	return img, nil
}

// stripCodeFence removes a surrounding ``` or ```mermaid fence, so users
// can paste fenced diagrams
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	s = strings.TrimPrefix(s, "mermaid")
	return strings.TrimSpace(s)
}
