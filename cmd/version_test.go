package cmd

import (
	"fmt"
	"github.com/joomun/DISCORD-BOT/discordbot"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := discordbot.Version
	originalCommitSHA := discordbot.CommitSHA
	originalBuildTime := discordbot.BuildTime

	t.Cleanup(
		func() {
			discordbot.Version = originalVersion
			discordbot.CommitSHA = originalCommitSHA
			discordbot.BuildTime = originalBuildTime
		},
	)

	discordbot.Version = "1.0.0"
	discordbot.CommitSHA = "abc123"
	discordbot.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		discordbot.Version,
		discordbot.CommitSHA,
		discordbot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
