package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Shell is one session's persistent in-process POSIX shell: cwd and exported
// env vars carry over between commands, and every command is anchored to the
// session's working directory (a cd outside it is clamped back). One Shell
// serves one session; the mutex serializes commands, matching the reply
// loop's one-tool-round-at-a-time dispatch of non-parallel shells.
type Shell struct {
	mu    sync.Mutex
	root  string
	cwd   string
	env   []string
	rules RuleSet
}

// New creates a Shell anchored to root (the session working directory). An
// empty root falls back to the process cwd.
func New(root string, rules RuleSet) *Shell {
	if root == "" {
		root, _ = os.Getwd()
	}
	return &Shell{
		root:  root,
		cwd:   root,
		env:   os.Environ(),
		rules: rules,
	}
}

// Dir returns the shell's current working directory.
func (s *Shell) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Exec runs one command and returns its stdout and stderr.
func (s *Shell) Exec(ctx context.Context, command string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := s.ExecStream(ctx, command, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// ExecStream runs one command, writing output to stdout/stderr as it is
// produced.
func (s *Shell) ExecStream(ctx context.Context, command string, stdout, stderr io.Writer) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parsed, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return fmt.Errorf("could not parse command: %w", err)
	}

	runner, err := interp.New(
		interp.StdIO(nil, stdout, stderr),
		interp.Interactive(false),
		interp.Env(expand.ListEnviron(s.env...)),
		interp.Dir(s.cwd),
		interp.ExecHandlers(s.blockingExec),
	)
	if err != nil {
		return fmt.Errorf("could not create interpreter: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command execution panic: %v", r)
		}
		s.carryState(runner, stderr)
	}()

	return runner.Run(ctx, parsed)
}

// blockingExec wraps the interpreter's exec handler with the block list.
func (s *Shell) blockingExec(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, argv []string) error {
		if len(argv) > 0 && s.rules.Blocked(argv) {
			return fmt.Errorf("command blocked: %q", argv[0])
		}
		return next(ctx, argv)
	}
}

// carryState persists the runner's cwd and exported env vars for the next
// command. A cwd that escaped the root is clamped back, with a note on
// stderr so the model learns the constraint instead of silently losing its
// cd.
func (s *Shell) carryState(runner *interp.Runner, stderr io.Writer) {
	if runner == nil {
		return
	}
	dir := runner.Dir
	if dir != s.root && !strings.HasPrefix(dir, s.root+string(os.PathSeparator)) {
		fmt.Fprintf(stderr, "[cd rejected: you are anchored to %s]\n", s.root)
		dir = s.root
	}
	s.cwd = dir

	s.env = s.env[:0]
	runner.Env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported {
			s.env = append(s.env, name+"="+vr.Str)
		}
		return true
	})
}

// ExitCode extracts the exit code from an interpreter error; a non-exit
// error maps to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	return 1
}
