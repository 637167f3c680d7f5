// Package docqa answers questions about uploaded documents. A Runner invokes
// the external question-answering process, Local and Client adapt it to the
// chat session's DocumentAsker, and Repo/Processor run it as queued jobs.
package docqa

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	noResponseAnswer = "No response received"
	timeoutExitCode  = 124
)

var ErrStartFailed = errors.New("failed to start document processing")

// ProcessError is a non-zero exit of the document process. Its message carries
// the process's stderr.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "Unknown error"
	}
	return "Processing failed: " + msg
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner executes `Command Script <document path>` with the question written
// to stdin, one line, then stdin closed.
type Runner struct {
	Command string
	Script  string
	Dir     string
	Timeout time.Duration
}

func (r Runner) args(path string) []string {
	if strings.TrimSpace(r.Script) == "" {
		return []string{path}
	}
	return []string{r.Script, path}
}

// Run captures the process output. The error is non-nil only when the process
// could not be started; exit status is reported in Result.
func (r Runner) Run(ctx context.Context, path, question string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command, r.args(path)...)
	if strings.TrimSpace(r.Dir) != "" {
		cmd.Dir = r.Dir
	}
	cmd.Stdin = strings.NewReader(question + "\n")
	// children that inherit the output pipes must not hold Wait open after a kill
	cmd.WaitDelay = time.Second

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, errors.Wrapf(ErrStartFailed, "%s: %v", r.Command, err)
	}
	waitErr := cmd.Wait()

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	exitCode := 0
	switch {
	case timedOut:
		exitCode = timeoutExitCode
	case waitErr != nil:
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) && ee.ProcessState != nil && ee.ExitCode() >= 0 {
			exitCode = ee.ExitCode()
		} else {
			exitCode = 1
		}
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		TimedOut: timedOut,
	}, nil
}

// Answer turns a finished run into the answer text or a *ProcessError.
func (res Result) Answer() (string, error) {
	if res.ExitCode != 0 {
		stderr := res.Stderr
		if res.TimedOut && strings.TrimSpace(stderr) == "" {
			stderr = "timed out"
		}
		return "", &ProcessError{ExitCode: res.ExitCode, Stderr: stderr}
	}
	if answer := strings.TrimSpace(res.Stdout); answer != "" {
		return answer, nil
	}
	return noResponseAnswer, nil
}

// AskFile runs the process on a document already on disk.
func (r Runner) AskFile(ctx context.Context, path, question string) (string, error) {
	res, err := r.Run(ctx, path, question)
	if err != nil {
		return "", err
	}
	return res.Answer()
}
