package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/danmuck/castline/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "castctl: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to process exit codes: 10+status for a non-success
// registration, the child's code for exec.
func exitCode(err error) int {
	var outErr *outcomeError
	if errors.As(err, &outErr) {
		return 10 + int(outErr.outcome.Status())
	}
	var childErr *exec.ExitError
	if errors.As(err, &childErr) && childErr.ExitCode() > 0 {
		return childErr.ExitCode()
	}
	return 1
}
