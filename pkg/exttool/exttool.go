// Package exttool runs the external tools the provisioning relies on.
// Their exit code and captured stderr are the only success signal.
package exttool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Result holds what an invocation produced.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ToolError is returned when a tool cannot be started or exits non-zero.
type ToolError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s exited with %d: %s", e.Name, e.ExitCode, msg)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Exec is mockable version of os/exec.Cmd.Run. The error is only set if
// the command could not be run or exited non-zero.
var Exec = func(ctx context.Context, stdin io.Reader, name string, arg ...string) (Result, error) {
	cmdStr := name
	if len(arg) > 0 {
		cmdStr += " " + strings.Join(arg, " ")
	}

	cmd := exec.CommandContext(ctx, name, arg...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			exitCode = -1
		}
		logrus.Debugf("exec: %s (%s)\n%s\n%s", cmdStr, err, stdoutBuf.String(), stderrBuf.String())
	} else {
		logrus.Debugf("exec: %s", cmdStr)
	}

	return Result{
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		ExitCode: exitCode,
	}, err
}

// Run executes the tool and turns a failed run into a *ToolError that
// carries the captured stderr.
func Run(ctx context.Context, stdin io.Reader, name string, arg ...string) (Result, error) {
	res, err := Exec(ctx, stdin, name, arg...)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("exit status %d", res.ExitCode)
	}
	if err != nil {
		return res, &ToolError{
			Name:     name,
			Args:     arg,
			ExitCode: res.ExitCode,
			Stderr:   string(res.Stderr),
			Err:      err,
		}
	}
	return res, nil
}
