package discordbot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// fakeMermaidCLI writes a shell script standing in for mmdc, which
// copies its input to its output
func fakeMermaidCLI(t testing.TB, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "mmdc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o700))
	return path
}

const fakeMermaidCopy = `while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2 ;;
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cp "$in" "$out"
`

func TestMermaidRenderer_Render(t *testing.T) {
	renderer := NewMermaidRenderer(
		&MermaidConfig{
			Command: fakeMermaidCLI(t, fakeMermaidCopy),
			Timeout: 10 * time.Second,
		},
	)
	img, err := renderer.Render(context.Background(), "  graph TD; A-->B  ")
	require.NoError(t, err)
	assert.Equal(t, "graph TD; A-->B", string(img))
}

func TestMermaidRenderer_Failure(t *testing.T) {
	renderer := NewMermaidRenderer(
		&MermaidConfig{
			Command: fakeMermaidCLI(t, "echo 'Parse error on line 1' >&2\nexit 1\n"),
		},
	)
	_, err := renderer.Render(context.Background(), "graph ???")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Parse error on line 1")
}

func TestMermaidRenderer_Empty(t *testing.T) {
	t.Parallel()
	renderer := NewMermaidRenderer(&MermaidConfig{Command: "mmdc-does-not-exist"})
	_, err := renderer.Render(context.Background(), " \n ")
	assert.ErrorIs(t, err, ErrEmptyDiagram)

	_, err = renderer.Render(context.Background(), "graph TD; A-->B")
	assert.Error(t, err)
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "graph TD; A-->B", stripCodeFence("```mermaid\ngraph TD; A-->B\n```"))
	assert.Equal(t, "graph TD; A-->B", stripCodeFence("```\ngraph TD; A-->B\n```"))
	assert.Equal(t, "graph TD; A-->B", stripCodeFence(" graph TD; A-->B "))
	assert.Equal(t, "```", stripCodeFence("```"))
	assert.Equal(t, "", stripCodeFence("``````"))
}
