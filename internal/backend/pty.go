// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"
)

// runPTY executes the CLI under a pseudo-terminal. Some tools only print
// their auth URLs when they detect a TTY. Returns nil when no PTY can be
// allocated so the caller falls through to the next strategy.
func (b *ProcessBackend) runPTY(ctx context.Context, bin string, args, env []string, stream func(string)) *execOutput {
	cmd := exec.Command(bin, args...)
	cmd.Env = env

	f, err := pty.Start(cmd)
	if err != nil {
		log.Debugf("PTY unavailable for %s: %v", b.name, err)
		return nil
	}
	defer f.Close()

	deadline, hasDeadline := ctx.Deadline()
	timedOut := false

	var out strings.Builder
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			timedOut = errors.Is(err, context.DeadlineExceeded)
			break
		}

		readBy := time.Now().Add(time.Second)
		if hasDeadline && deadline.Before(readBy) {
			readBy = deadline
		}
		_ = f.SetReadDeadline(readBy)

		n, err := f.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			out.WriteString(chunk)
			if stream != nil {
				stream(chunk)
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if hasDeadline && !time.Now().Before(deadline) {
					timedOut = true
					break
				}
				continue
			}
			// EOF, or EIO once the child side closes.
			break
		}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-waitCh
	}

	exit := 0
	if cmd.ProcessState != nil {
		exit = cmd.ProcessState.ExitCode()
	}
	return &execOutput{
		stdout:   out.String(),
		exitCode: exit,
		timedOut: timedOut,
	}
}
