// Package clitest builds command invocations for tests.
package clitest

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/coder/serpent"

	"github.com/crawlmeter/crawlmeter/cli"
)

// New returns an invocation of the root command with the given args.
// Stdio defaults to discard so tests attach buffers where they care.
func New(t *testing.T, args ...string) *serpent.Invocation {
	var root cli.RootCmd
	cmd := root.Command(root.Core())
	return NewWithCommand(t, cmd, args...)
}

func NewWithCommand(t *testing.T, cmd *serpent.Command, args ...string) *serpent.Invocation {
	t.Helper()
	return &serpent.Invocation{
		Command: cmd,
		Args:    args,
		Environ: serpent.ParseEnviron(os.Environ(), ""),
		Stdin:   strings.NewReader(""),
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
}
