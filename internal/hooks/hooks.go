// Package hooks implements the Hook Runner (spec §4.8): invoking
// optional pre-receive/update/post-receive scripts under a configured
// hooks directory, with a standardized environment, bounded combined
// stdout+stderr capture, a timeout, and optional sideband relay.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/github/git-transfer-pack/internal/config"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
)

// Kind identifies which of the three hook points is being invoked.
type Kind int

const (
	PreReceive Kind = iota
	Update
	PostReceive
)

func (k Kind) String() string {
	switch k {
	case PreReceive:
		return "pre-receive"
	case Update:
		return "update"
	case PostReceive:
		return "post-receive"
	default:
		return "unknown"
	}
}

// CommandLine is one ref update in the <old> <new> <name> shape hooks
// expect, either on stdin (pre-receive/post-receive) or via argv
// (update).
type CommandLine struct {
	Old  objutil.ID
	New  objutil.ID
	Name string
}

func (c CommandLine) String() string {
	return fmt.Sprintf("%s %s %s", c.Old, c.New, c.Name)
}

// Environment bundles the values the Hook Runner exposes to every hook
// invocation (spec §4.8 "Environment").
type Environment struct {
	GitDir         string
	QuarantinePath string // empty when no quarantine is active
	PushOptions    []string
	PusherName     string
	PusherEmail    string
}

func (e Environment) toEnviron() []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env, "GIT_DIR="+e.GitDir)
	if e.QuarantinePath != "" {
		env = append(env, "GIT_QUARANTINE_PATH="+e.QuarantinePath)
	}
	env = append(env, fmt.Sprintf("GIT_PUSH_OPTION_COUNT=%d", len(e.PushOptions)))
	for i, opt := range e.PushOptions {
		env = append(env, fmt.Sprintf("GIT_PUSH_OPTION_%d=%s", i, opt))
	}
	if e.PusherName != "" {
		env = append(env, "GIT_PUSHER_NAME="+e.PusherName)
	}
	if e.PusherEmail != "" {
		env = append(env, "GIT_PUSHER_EMAIL="+e.PusherEmail)
	}
	return env
}

// Options configures resource limits and relay behavior for one
// invocation (spec §4.8 "Resource contract"/"Sideband relay").
type Options struct {
	Timeout       time.Duration // default 30s when zero
	MaxOutputSize int64         // default 1 MiB when zero
	Relay         func(chunk []byte) // mirrors stdout+stderr in real time; may be nil
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxOutputSize <= 0 {
		o.MaxOutputSize = 1 << 20
	}
	return o
}

// ResolveOptions reads hooks.timeout (milliseconds) and
// hooks.maxOutputSize (bytes) from src (spec §6). Relay is left nil:
// callers wire it once a live transport (e.g. a negotiated sideband
// channel) exists, gated on SidebandRelayEnabled.
func ResolveOptions(src config.Source) Options {
	var opts Options

	if v, ok := src.Get("hooks.timeout"); ok && v != "" {
		if ms, err := config.ParseSigned(v); err == nil {
			opts.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := src.Get("hooks.maxoutputsize"); ok && v != "" {
		if n, err := config.ParseSigned(v); err == nil {
			opts.MaxOutputSize = n
		}
	}

	return opts
}

// SidebandRelayEnabled reads hooks.sidebandRelay (spec §6): whether hook
// output should mirror to the negotiated sideband progress channel, when
// one exists for the session.
func SidebandRelayEnabled(src config.Source) bool {
	v, ok := src.Get("hooks.sidebandrelay")
	return ok && config.ParseBool(v)
}

// ErrMissing is returned by nothing directly — a missing hook is not an
// error (spec §4.8 "Missing hook file ≠ failure"); Runner.Run instead
// returns an Allow decision with Ran=false.
var ErrMissing = errors.New("hooks: hook not found")

// Decision is the outcome of one hook invocation.
type Decision struct {
	// Ran is false when the hook file didn't exist (a silent allow).
	Ran bool
	// Allowed is true iff the hook exited zero (or didn't run).
	Allowed bool
	// Message is a user-facing rejection message, drawn from captured
	// stderr or a default, only meaningful when !Allowed.
	Message string
	// Output is the combined, possibly truncated, stdout+stderr capture.
	Output []byte
	// Truncated reports whether the output exceeded MaxOutputSize. Output
	// then holds the first MaxOutputSize bytes followed by a truncation
	// marker, and the run is reported as a denial (Allowed=false with a
	// message), not as an errtax Resource error.
	Truncated bool
}

// Runner locates and invokes hook scripts under hooksDir.
type Runner struct {
	hooksDir string
}

// New builds a Runner rooted at hooksDir (a configured hooks directory,
// e.g. "<git-dir>/hooks").
func New(hooksDir string) *Runner {
	return &Runner{hooksDir: hooksDir}
}

// Run invokes the named hook. For PreReceive/PostReceive, commands are
// fed on stdin, one per line; for Update, exactly one command must be
// given and it is passed as argv (name, old, new).
func (r *Runner) Run(ctx context.Context, kind Kind, env Environment, commands []CommandLine, opts Options) (Decision, error) {
	opts = opts.withDefaults()

	path := filepath.Join(r.hooksDir, kind.String())
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return Decision{Ran: false, Allowed: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var args []string
	var stdin io.Reader
	switch kind {
	case Update:
		if len(commands) != 1 {
			return Decision{}, fmt.Errorf("hooks: update hook requires exactly one command, got %d", len(commands))
		}
		c := commands[0]
		args = []string{c.Name, c.Old.String(), c.New.String()}
	default:
		var buf bytes.Buffer
		for _, c := range commands {
			fmt.Fprintf(&buf, "%s %s %s\n", c.Old, c.New, c.Name)
		}
		stdin = &buf
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env.toEnviron()
	cmd.Stdin = stdin

	capture := &boundedRelay{limit: opts.MaxOutputSize, relay: opts.Relay}
	cmd.Stdout = capture
	cmd.Stderr = capture

	runErr := cmd.Run()

	decision := Decision{
		Ran:       true,
		Output:    capture.buf.Bytes(),
		Truncated: capture.truncated,
	}

	if capture.truncated {
		decision.Allowed = false
		decision.Message = fmt.Sprintf("hook %s output exceeded %d bytes", kind, opts.MaxOutputSize)
		return decision, nil
	}

	if runErr == nil {
		decision.Allowed = true
		return decision, nil
	}

	decision.Allowed = false
	if msg := lastNonEmptyLine(capture.buf.Bytes()); msg != "" {
		decision.Message = msg
	} else {
		decision.Message = fmt.Sprintf("hook %s failed", kind)
	}
	return decision, nil
}

// boundedRelay caps how many bytes it will buffer, optionally mirroring
// every chunk to relay as it arrives (spec §4.8 "Sideband relay").
type boundedRelay struct {
	buf       bytes.Buffer
	limit     int64
	written   int64
	truncated bool
	relay     func([]byte)
}

func (b *boundedRelay) Write(p []byte) (int, error) {
	if b.relay != nil {
		b.relay(p)
	}
	if b.truncated {
		return len(p), nil
	}
	remaining := b.limit - b.written
	if int64(len(p)) > remaining {
		if remaining > 0 {
			b.buf.Write(p[:remaining])
			b.written += remaining
		}
		b.truncated = true
		b.buf.WriteString("\n[output truncated]\n")
		return len(p), nil
	}
	n, err := b.buf.Write(p)
	b.written += int64(n)
	return n, err
}

func lastNonEmptyLine(output []byte) string {
	lines := bytes.Split(bytes.TrimRight(output, "\n"), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if len(bytes.TrimSpace(lines[i])) > 0 {
			return string(bytes.TrimSpace(lines[i]))
		}
	}
	return ""
}

// Sequence runs pre-receive then update-per-command, dropping any
// command either stage rejects (spec §4.9 step 5 "run pre-receive...
// then update per command; drop any command that either stage
// rejects").
func Sequence(ctx context.Context, r *Runner, env Environment, commands []CommandLine, opts Options) (allowed []CommandLine, rejections map[string]string, err error) {
	rejections = map[string]string{}

	preDecision, err := r.Run(ctx, PreReceive, env, commands, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("hooks: pre-receive: %w", err)
	}
	if preDecision.Ran && !preDecision.Allowed {
		for _, c := range commands {
			rejections[c.Name] = preDecision.Message
		}
		return nil, rejections, nil
	}

	for _, c := range commands {
		d, err := r.Run(ctx, Update, env, []CommandLine{c}, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("hooks: update %s: %w", c.Name, err)
		}
		if d.Ran && !d.Allowed {
			rejections[c.Name] = d.Message
			continue
		}
		allowed = append(allowed, c)
	}
	return allowed, rejections, nil
}

// RunPostReceive fires post-receive for the accepted commands. Its exit
// code does not affect status (spec §4.9 step 9: "fire-and-forget").
func RunPostReceive(ctx context.Context, r *Runner, env Environment, accepted []CommandLine, opts Options) {
	_, _ = r.Run(ctx, PostReceive, env, accepted, opts)
}

// quarantineEnvironment builds an Environment whose GIT_QUARANTINE_PATH
// reflects an active Quarantine (spec §4.8 Environment, §3 Quarantine).
func quarantineEnvironment(base Environment, q *odb.Quarantine) Environment {
	if q != nil && q.Active() {
		base.QuarantinePath = q.Root
	}
	return base
}
