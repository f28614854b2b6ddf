package cmd

import (
	"fmt"
	"github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := qalinker.Version
	originalCommitSHA := qalinker.CommitSHA
	originalBuildTime := qalinker.BuildTime

	t.Cleanup(
		func() {
			qalinker.Version = originalVersion
			qalinker.CommitSHA = originalCommitSHA
			qalinker.BuildTime = originalBuildTime
		},
	)

	qalinker.Version = "1.0.0"
	qalinker.CommitSHA = "abc123"
	qalinker.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		qalinker.Version,
		qalinker.CommitSHA,
		qalinker.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
