// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/authflow"
	"github.com/traylinx/aibridge/internal/config"
	"github.com/traylinx/aibridge/internal/tokens"
)

// Execution strategies for CLI providers.
const (
	StrategySubprocess = "subprocess"
	StrategyPTY        = "pty"
	StrategyWezterm    = "wezterm"
)

// binSearchDirs are checked after PATH. Background daemons often run
// without the user's shell profile, so npm and homebrew locations are
// probed explicitly.
var binSearchDirs = []string{
	".local/bin",
	".npm-global/bin",
	"bin",
}

var systemBinDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
}

// authIndicators mark CLI failures that a re-login would fix.
var authIndicators = []string{
	"authorization",
	"authenticate",
	"login required",
	"not logged in",
	"credentials",
	"token expired",
	"unauthorized",
}

// execOutput is the raw outcome of one strategy run.
type execOutput struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
}

// ProcessBackend executes a command-line AI tool as a child process, one
// invocation per request.
type ProcessBackend struct {
	name      string
	cfg       config.Provider
	estimator *tokens.Estimator
	flow      *authflow.Flow

	mu      sync.Mutex
	binPath string
}

// NewProcessBackend builds a backend for one CLI provider.
func NewProcessBackend(name string, cfg config.Provider, estimator *tokens.Estimator, flow *authflow.Flow) *ProcessBackend {
	return &ProcessBackend{
		name:      name,
		cfg:       cfg,
		estimator: estimator,
		flow:      flow,
	}
}

// resolveBinary locates the provider CLI, caching the result. The
// configured command is tried as an absolute path, then PATH, then the
// usual user and system bin directories.
func (b *ProcessBackend) resolveBinary() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binPath != "" {
		return b.binPath, nil
	}

	cmd := b.cfg.Command
	if cmd == "" {
		cmd = b.name
	}

	if filepath.IsAbs(cmd) {
		if isExecutable(cmd) {
			b.binPath = cmd
			return cmd, nil
		}
		return "", fmt.Errorf("CLI command not found: %s", cmd)
	}

	if p, err := exec.LookPath(cmd); err == nil {
		b.binPath = p
		return p, nil
	}

	home, _ := os.UserHomeDir()
	for _, dir := range binSearchDirs {
		full := filepath.Join(home, dir, cmd)
		if isExecutable(full) {
			b.binPath = full
			return full, nil
		}
	}
	for _, dir := range systemBinDirs {
		full := filepath.Join(dir, cmd)
		if isExecutable(full) {
			b.binPath = full
			return full, nil
		}
	}

	return "", fmt.Errorf("CLI command not found: %s", cmd)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0111 != 0
}

// Execute runs the CLI once and parses its output into a result.
func (b *ProcessBackend) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	bin, err := b.resolveBinary()
	if err != nil {
		r := Fail(err.Error())
		r.Latency = time.Since(start)
		return r, nil
	}

	args := make([]string, 0, len(b.cfg.Args)+1)
	args = append(args, b.cfg.Args...)
	args = append(args, req.Message)

	env := append(os.Environ(), "TERM=dumb", "NO_COLOR=1", "CI=1")

	strategies := b.cfg.Strategies
	if len(strategies) == 0 {
		if b.cfg.Type == config.BackendTerminal {
			strategies = []string{StrategyWezterm, StrategySubprocess}
		} else {
			strategies = []string{StrategySubprocess}
		}
	}

	log.WithField("request_id", req.ID).Debugf("Executing CLI: %s %v", bin, args)

	var out *execOutput
	var used string
	for _, s := range strategies {
		switch s {
		case StrategyWezterm:
			out = b.runWezterm(ctx, bin, args)
		case StrategyPTY:
			out = b.runPTY(ctx, bin, args, env, req.Stream)
		default:
			out = b.runSubprocess(ctx, bin, args, env, req.Stream)
		}
		if out != nil {
			used = s
			break
		}
		log.WithField("request_id", req.ID).Debugf("Strategy %s unavailable for %s, trying next", s, b.name)
	}
	if out == nil {
		r := Fail(fmt.Sprintf("no execution strategy available for provider: %s", b.name))
		r.Latency = time.Since(start)
		return r, nil
	}

	result := b.processOutput(out, time.Since(start), req)
	result.SetMeta(MetaStrategy, used)
	result.SetMeta(MetaResolvedBinary, bin)
	return result, nil
}

// runSubprocess is the default strategy: pipes for both streams, chunked
// reads forwarded to the request's stream callback, and a short grace
// period for exit after the streams close.
func (b *ProcessBackend) runSubprocess(ctx context.Context, bin string, args, env []string, stream func(string)) *execOutput {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = env

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return &execOutput{stderr: err.Error(), exitCode: -1}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return &execOutput{stderr: err.Error(), exitCode: -1}
	}

	if err := cmd.Start(); err != nil {
		return &execOutput{stderr: err.Error(), exitCode: -1}
	}

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readChunks(stdoutPipe, &stdout, stream)
	}()
	go func() {
		defer wg.Done()
		readChunks(stderrPipe, &stderr, nil)
	}()
	wg.Wait()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-waitCh
	}

	exit := 0
	if cmd.ProcessState != nil {
		exit = cmd.ProcessState.ExitCode()
	}
	return &execOutput{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		exitCode: exit,
		timedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
}

// readChunks copies r into buf in 1KB reads, batching stream callbacks
// until a newline or 100 characters accumulate.
func readChunks(r io.Reader, buf *strings.Builder, stream func(string)) {
	chunk := make([]byte, 1024)
	var pending strings.Builder
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s := string(chunk[:n])
			buf.WriteString(s)
			if stream != nil {
				pending.WriteString(s)
				if pending.Len() > 100 || strings.Contains(s, "\n") {
					stream(pending.String())
					pending.Reset()
				}
			}
		}
		if err != nil {
			break
		}
	}
	if stream != nil && pending.Len() > 0 {
		stream(pending.String())
	}
}

// processOutput turns raw strategy output into a Result, handling auth
// URLs, login prompts, timeouts, and exit codes.
func (b *ProcessBackend) processOutput(out *execOutput, latency time.Duration, req *Request) *Result {
	stdout := strings.TrimSpace(out.stdout)
	stderr := strings.TrimSpace(out.stderr)
	combined := stdout + "\n" + stderr

	if url := authflow.ExtractURL(combined); url != "" {
		msg := "Authentication required. Please open this URL:\n" + url
		if b.flow != nil && b.flow.AutoOpen() && b.flow.OpenBrowser(url) {
			msg = "Authentication required. Browser opened automatically.\n" + url
		}
		r := Fail(msg)
		r.Latency = latency
		r.SetMeta(MetaAuthRequired, true)
		r.SetMeta(MetaAuthURL, url)
		return r
	}

	if out.exitCode != 0 || (stdout == "" && stderr == "") {
		needsAuth := containsAuthIndicator(combined)
		// A silent run from an auth-prone CLI almost always means it is
		// waiting on a login it cannot prompt for.
		if stdout == "" && stderr == "" && b.cfg.AuthProne {
			needsAuth = true
		}
		if needsAuth && b.flow != nil && b.flow.OpenLoginTerminal(b.name, b.cfg.LoginCommand) {
			r := Fail(fmt.Sprintf("Authentication required for %s. A terminal window has been opened for you to complete authentication. Please retry after authenticating.", b.name))
			r.Latency = latency
			r.SetMeta(MetaAuthRequired, true)
			r.SetMeta(MetaLoginTerminal, true)
			return r
		}
	}

	response, thinking := Parse(stdout, b.cfg.OutputFormat)

	// Valid output counts as success regardless of exit code. CLI tools
	// return non-zero for all sorts of reasons after printing a good
	// answer.
	if response != "" {
		in, outTok := b.estimator.EstimatePair(req.Message, response)
		r := OK(response)
		r.Latency = latency
		r.InputTokens = in
		r.OutputTokens = outTok
		r.Thinking = thinking
		r.Raw = stdout
		r.SetMeta(MetaExitCode, out.exitCode)
		if out.timedOut {
			r.SetMeta(MetaTimedOut, true)
		}
		return r
	}

	if out.timedOut {
		timeoutStr := fmt.Sprintf("%.0fs", req.Timeout.Seconds())
		if b.flow != nil && b.flow.OpenLoginTerminal(b.name, b.cfg.LoginCommand) {
			r := Fail(fmt.Sprintf("CLI command timed out after %s. This may be due to authentication. A terminal window has been opened for you to complete authentication for %s. Please retry after authenticating.", timeoutStr, b.name))
			r.Latency = latency
			r.SetMeta(MetaAuthRequired, true)
			r.SetMeta(MetaLoginTerminal, true)
			r.SetMeta(MetaTimedOut, true)
			return r
		}
		r := Fail(fmt.Sprintf("CLI command timed out after %s", timeoutStr))
		r.Latency = latency
		r.SetMeta(MetaTimedOut, true)
		return r
	}

	if out.exitCode != 0 {
		var details []string
		if stderr != "" {
			details = append(details, "stderr:\n"+Snip(stderr, 1200))
		}
		if stdout != "" && (stderr == "" || Snip(stdout, 1200) != Snip(stderr, 1200)) {
			details = append(details, "stdout:\n"+Snip(stdout, 1200))
		}
		msg := fmt.Sprintf("CLI exited with code %d", out.exitCode)
		if len(details) > 0 {
			msg += "\n" + strings.Join(details, "\n\n")
		}
		r := Fail(msg)
		r.Latency = latency
		r.SetMeta(MetaExitCode, out.exitCode)
		return r
	}

	// Clean exit with empty output.
	r := OK("")
	r.Latency = latency
	r.InputTokens = b.estimator.Estimate(req.Message)
	r.Raw = stdout
	r.SetMeta(MetaExitCode, out.exitCode)
	return r
}

func containsAuthIndicator(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range authIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// HealthCheck reports whether the CLI binary exists and is executable.
// Running --version is deliberately avoided: some CLIs take seconds to
// start.
func (b *ProcessBackend) HealthCheck(context.Context) bool {
	bin, err := b.resolveBinary()
	if err != nil {
		return false
	}
	return isExecutable(bin)
}

// Shutdown is a no-op; each request owns its child process.
func (b *ProcessBackend) Shutdown() {}
