// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	weztermExitRe     = regexp.MustCompile(`AIB_EXIT_CODE:(\d+)`)
	weztermExitTrimRe = regexp.MustCompile(`AIB_EXIT_CODE:\d+\s*$`)
)

// runWezterm spawns the CLI inside a wezterm pane so it sees a real
// terminal, capturing output through a temp file with an exit marker.
// Returns nil when wezterm is not installed or the spawn fails, letting
// the caller fall through to the next strategy.
func (b *ProcessBackend) runWezterm(ctx context.Context, bin string, args []string) *execOutput {
	weztermPath, err := exec.LookPath("wezterm")
	if err != nil {
		return nil
	}

	outputFile := filepath.Join(os.TempDir(), fmt.Sprintf("aibridge_wezterm_%s.txt", uuid.NewString()[:8]))
	defer os.Remove(outputFile)

	quoted := make([]string, 0, len(args)+1)
	for _, a := range append([]string{bin}, args...) {
		if strings.Contains(a, " ") {
			quoted = append(quoted, `"`+a+`"`)
		} else {
			quoted = append(quoted, a)
		}
	}
	wrapper := fmt.Sprintf(`%s > %q 2>&1; echo "AIB_EXIT_CODE:$?" >> %q`,
		strings.Join(quoted, " "), outputFile, outputFile)

	spawnCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	spawn := exec.CommandContext(spawnCtx, weztermPath, "cli", "spawn", "--", "bash", "-c", wrapper)
	var spawnOut bytes.Buffer
	spawn.Stdout = &spawnOut
	if err := spawn.Run(); err != nil {
		log.Debugf("wezterm spawn failed for %s: %v", b.name, err)
		return nil
	}
	paneID := strings.TrimSpace(spawnOut.String())

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.killWeztermPane(weztermPath, paneID)
			return nil
		case <-ticker.C:
			content, err := os.ReadFile(outputFile)
			if err != nil {
				continue
			}
			m := weztermExitRe.FindSubmatch(content)
			if m == nil {
				continue
			}
			code, _ := strconv.Atoi(string(m[1]))
			out := weztermExitTrimRe.ReplaceAllString(strings.TrimSpace(string(content)), "")
			return &execOutput{
				stdout:   strings.TrimSpace(out),
				exitCode: code,
			}
		}
	}
}

func (b *ProcessBackend) killWeztermPane(weztermPath, paneID string) {
	if paneID == "" {
		return
	}
	killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = exec.CommandContext(killCtx, weztermPath, "cli", "kill-pane", "--pane-id", paneID).Run()
}
