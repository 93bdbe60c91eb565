package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/arcward/modmail/modmail"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := modmail.Version
	originalCommitSHA := modmail.CommitSHA
	originalBuildTime := modmail.BuildTime

	t.Cleanup(
		func() {
			modmail.Version = originalVersion
			modmail.CommitSHA = originalCommitSHA
			modmail.BuildTime = originalBuildTime
		},
	)

	modmail.Version = "1.0.0"
	modmail.CommitSHA = "abc123"
	modmail.BuildTime = "2023-10-01T12:00:00Z"

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
		modmail.Version,
		modmail.CommitSHA,
		modmail.BuildTime,
	)
	assert.Equal(t, expected, output)
}
