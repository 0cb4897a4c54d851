package command

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/ethchange/taskrunner/pkg/errors"
)

// Spec is an immutable argv with an optional working directory and environment overrides.
// It is never passed through a shell.
type Spec struct {
	args []string
	dir  string
	env  []string
}

func New(args ...string) Spec {
	return Spec{args: append([]string(nil), args...)}
}

func (s Spec) Args() []string {
	return append([]string(nil), s.args...)
}

// Program is argv[0]
func (s Spec) Program() string {
	if len(s.args) == 0 {
		return ""
	}
	return s.args[0]
}

func (s Spec) Dir() string {
	return s.dir
}

func (s Spec) Env() []string {
	return append([]string(nil), s.env...)
}

// WithArgs returns a copy with args appended
func (s Spec) WithArgs(args ...string) Spec {
	out := s.clone()
	out.args = append(out.args, args...)
	return out
}

func (s Spec) WithDir(dir string) Spec {
	out := s.clone()
	out.dir = dir
	return out
}

// WithEnv returns a copy with KEY=VALUE overrides appended to the inherited environment
func (s Spec) WithEnv(kv ...string) Spec {
	out := s.clone()
	out.env = append(out.env, kv...)
	return out
}

func (s Spec) clone() Spec {
	return Spec{
		args: append([]string(nil), s.args...),
		dir:  s.dir,
		env:  append([]string(nil), s.env...),
	}
}

func (s Spec) Validate() error {
	if len(s.args) == 0 || s.args[0] == "" {
		return errors.NewValidationError("command program cannot be empty", nil)
	}
	for _, kv := range s.env {
		if !strings.Contains(kv, "=") {
			return errors.NewValidationError("environment override must be KEY=VALUE", nil).
				WithContext("override", kv)
		}
	}
	return nil
}

// String renders the argv shell-quoted, for logging only
func (s Spec) String() string {
	quoted := make([]string, len(s.args))
	for i, arg := range s.args {
		quoted[i] = quote(arg)
	}
	return strings.Join(quoted, " ")
}

// Cmd builds the exec.Cmd for this spec. A nil ctx builds a command not bound to a context.
func (s Spec) Cmd(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	} else {
		cmd = exec.Command(s.args[0], s.args[1:]...)
	}
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	return cmd
}

func quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.IndexFunc(arg, unsafeRune) < 0 {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}

func unsafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("@%+=:,./_-", r):
		return false
	}
	return true
}
