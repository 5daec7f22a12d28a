package execstage

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/refine"
)

var (
	ErrCommandFailed   = errors.New("stage command failed", j.C("ERR_8b2f6d1e0a4c7935"))
	ErrMalformedOutput = errors.New("stage command wrote malformed response", j.C("ERR_f3a07c9e5d1b2864"))
)

// maxStderr bounds how much of a failing command's stderr ends up in the error.
const maxStderr = 2048

// Stage runs an external command once per invocation. The request envelope is written to the command's stdin
// as JSON and the response envelope is read from its stdout.
type Stage struct {
	name    string
	command string
	args    []string
	dir     string
	env     []string
	clock   func() time.Time
}

type Option func(s *Stage)

// WithDir sets the working directory of the command.
func WithDir(dir string) Option {
	return func(s *Stage) {
		s.dir = dir
	}
}

// WithEnv adds KEY=VALUE pairs to the environment inherited by the command.
func WithEnv(env map[string]string) Option {
	return func(s *Stage) {
		for k, v := range env {
			s.env = append(s.env, k+"="+v)
		}
	}
}

func New(name, command string, args []string, opts ...Option) *Stage {
	s := &Stage{
		name:    name,
		command: command,
		args:    append([]string(nil), args...),
		clock:   time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

var _ refine.Stage = (*Stage)(nil)

func (s *Stage) Name() string {
	return s.name
}

// Execute runs the command. A command that cannot be started or whose output cannot be decoded fails fatally;
// a non-zero exit status is returned as a retryable error.
func (s *Stage) Execute(ctx context.Context, req refine.Request) (refine.Response, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return refine.Response{}, refine.Fatal(errors.Wrap(err, "marshal request", j.MKV{"stage": s.name}))
	}

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t0 := s.clock()
	err = cmd.Run()
	elapsed := s.clock().Sub(t0)

	if ctx.Err() != nil {
		return refine.Response{}, ctx.Err()
	}

	if stderrors.Is(err, exec.ErrNotFound) {
		return refine.Response{}, refine.Fatal(errors.Wrap(ErrCommandFailed, err.Error(), j.MKV{
			"stage":   s.name,
			"command": s.command,
		}))
	}

	if err != nil {
		return refine.Response{}, errors.Wrap(ErrCommandFailed, err.Error(), j.MKV{
			"stage":   s.name,
			"command": s.command,
			"stderr":  tail(stderr.String(), maxStderr),
		})
	}

	var resp refine.Response
	err = json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp)
	if err != nil {
		return refine.Response{}, refine.Fatal(errors.Wrap(ErrMalformedOutput, err.Error(), j.MKV{
			"stage":   s.name,
			"command": s.command,
		}))
	}

	if resp.Metadata.ProcessingTimeMs == 0 {
		resp.Metadata.ProcessingTimeMs = elapsed.Milliseconds()
	}

	return resp, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
