package taskrunner

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethchange/taskrunner/pkg/errors"
)

// Task is one of the operator-selectable workflows
type Task string

const (
	TaskRunServer   Task = "runserver"
	TaskRunServices Task = "runservices"
	TaskReformat    Task = "reformat"
)

var tasks = []Task{TaskRunServer, TaskRunServices, TaskReformat}

func ParseTask(name string) (Task, error) {
	for _, t := range tasks {
		if string(t) == name {
			return t, nil
		}
	}

	valid := make([]string, len(tasks))
	for i, t := range tasks {
		valid[i] = string(t)
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown task: %s", name), nil).
		WithContext("valid_tasks", strings.Join(valid, ", "))
}

// ChangeDir switches the process working directory to dir and returns a func that
// switches back
func ChangeDir(dir string) (func() error, error) {
	original, err := os.Getwd()
	if err != nil {
		return nil, errors.NewIOError("failed to get working directory", err)
	}
	if err := os.Chdir(dir); err != nil {
		return nil, errors.NewIOError("failed to change working directory", err).WithContext("dir", dir)
	}

	return func() error {
		if err := os.Chdir(original); err != nil {
			return errors.NewIOError("failed to restore working directory", err).WithContext("dir", original)
		}
		return nil
	}, nil
}
