package rooter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// runTimeout bounds every mutating shell sequence the rooter issues
// to a 10-second wall timeout.
const runTimeout = 10 * time.Second

// run executes name with args under runTimeout, including its stderr
// in the returned error on failure for diagnostics.
func run(ctx context.Context, name string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return nil
}
