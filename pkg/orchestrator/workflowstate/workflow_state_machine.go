package workflowstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"
)

// WorkflowState is a step of a linear task workflow
type WorkflowState string

const (
	// WorkflowStateNotStarted is the initial state of every workflow
	WorkflowStateNotStarted WorkflowState = "not-started"

	// WorkflowStateProvisioningPaths means the volume tree is being created
	WorkflowStateProvisioningPaths WorkflowState = "provisioning-paths"

	// WorkflowStateResolvingTools means external executables are being located
	WorkflowStateResolvingTools WorkflowState = "resolving-tools"

	// WorkflowStateReformatting means source formatters are running
	WorkflowStateReformatting WorkflowState = "reformatting"

	// WorkflowStateMigrating means schema synchronization commands are running
	WorkflowStateMigrating WorkflowState = "migrating"

	// WorkflowStateFlushing means the data store is being reset and reseeded
	WorkflowStateFlushing WorkflowState = "flushing"

	// WorkflowStateLaunching means background processes are being started
	WorkflowStateLaunching WorkflowState = "launching-background-service"

	// WorkflowStateRunning means every background process of the workflow was launched
	WorkflowStateRunning WorkflowState = "running"

	// WorkflowStateCompleted means a workflow without background processes finished
	WorkflowStateCompleted WorkflowState = "completed"

	// WorkflowStateFailed is terminal; a failed workflow is never resumed
	WorkflowStateFailed WorkflowState = "failed"
)

// Observer is notified of every accepted transition
type Observer interface {
	SetWorkflowState(workflow, previous, current string)
}

type WorkflowStateTransition struct {
	From      WorkflowState
	To        WorkflowState
	Operation string
	Timestamp time.Time
	Error     error
}

// WorkflowStateMachine validates and records the steps of one workflow run
type WorkflowStateMachine struct {
	workflow         string
	currentState     WorkflowState
	transitions      []WorkflowStateTransition
	validTransitions map[WorkflowState][]WorkflowState
	observer         Observer
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewWorkflowStateMachine(workflow string, observer Observer, logger logging.Logger) *WorkflowStateMachine {
	wsm := &WorkflowStateMachine{
		workflow:     workflow,
		currentState: WorkflowStateNotStarted,
		transitions:  make([]WorkflowStateTransition, 0),
		observer:     observer,
		logger:       logger,
	}

	wsm.validTransitions = map[WorkflowState][]WorkflowState{
		WorkflowStateNotStarted: {
			WorkflowStateProvisioningPaths,
		},
		WorkflowStateProvisioningPaths: {
			WorkflowStateResolvingTools,
		},
		WorkflowStateResolvingTools: {
			WorkflowStateReformatting, // runserver --reformat, reformat
			WorkflowStateMigrating,    // runserver
			WorkflowStateLaunching,    // runservices
		},
		WorkflowStateReformatting: {
			WorkflowStateMigrating,
			WorkflowStateCompleted, // reformat task
		},
		WorkflowStateMigrating: {
			WorkflowStateFlushing,
			WorkflowStateLaunching,
		},
		WorkflowStateFlushing: {
			WorkflowStateLaunching,
		},
		WorkflowStateLaunching: {
			WorkflowStateRunning,
		},
	}

	return wsm
}

func (wsm *WorkflowStateMachine) Workflow() string {
	return wsm.workflow
}

func (wsm *WorkflowStateMachine) GetCurrentState() WorkflowState {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	return wsm.currentState
}

func (wsm *WorkflowStateMachine) CanTransition(to WorkflowState) bool {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	return wsm.canTransitionUnsafe(to)
}

// Transition moves the workflow to the next step. Every non-terminal state may move to failed.
func (wsm *WorkflowStateMachine) Transition(to WorkflowState, operation string, err error) error {
	wsm.mutex.Lock()

	if !wsm.canTransitionUnsafe(to) {
		from := wsm.currentState
		wsm.mutex.Unlock()
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from '%s' to '%s'", from, to),
			nil,
		).WithContext("workflow", wsm.workflow).
			WithContext("from_state", string(from)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := wsm.currentState
	wsm.transitions = append(wsm.transitions, WorkflowStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	})
	wsm.currentState = to
	wsm.mutex.Unlock()

	if err != nil {
		wsm.logger.Warnf("Workflow state transition failed, workflow: %s, %s->%s, operation: %s, error: %v",
			wsm.workflow, from, to, operation, err)
	} else {
		wsm.logger.Debugf("Workflow state transition, workflow: %s, %s->%s, operation: %s",
			wsm.workflow, from, to, operation)
	}

	if wsm.observer != nil {
		wsm.observer.SetWorkflowState(wsm.workflow, string(from), string(to))
	}
	return nil
}

// Fail records err and moves to the failed state, returning err for convenient propagation
func (wsm *WorkflowStateMachine) Fail(operation string, err error) error {
	if terr := wsm.Transition(WorkflowStateFailed, operation, err); terr != nil {
		wsm.logger.Errorf("Failed to record workflow failure, workflow: %s, error: %v", wsm.workflow, terr)
	}
	return err
}

func (wsm *WorkflowStateMachine) canTransitionUnsafe(to WorkflowState) bool {
	if to == WorkflowStateFailed {
		return !wsm.isTerminalUnsafe()
	}

	for _, validState := range wsm.validTransitions[wsm.currentState] {
		if validState == to {
			return true
		}
	}
	return false
}

func (wsm *WorkflowStateMachine) isTerminalUnsafe() bool {
	switch wsm.currentState {
	case WorkflowStateRunning, WorkflowStateCompleted, WorkflowStateFailed:
		return true
	default:
		return false
	}
}

func (wsm *WorkflowStateMachine) IsTerminal() bool {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	return wsm.isTerminalUnsafe()
}

func (wsm *WorkflowStateMachine) GetTransitionHistory() []WorkflowStateTransition {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()

	history := make([]WorkflowStateTransition, len(wsm.transitions))
	copy(history, wsm.transitions)
	return history
}

// Path returns the visited states in order, starting with not-started
func (wsm *WorkflowStateMachine) Path() []WorkflowState {
	history := wsm.GetTransitionHistory()
	path := make([]WorkflowState, 0, len(history)+1)
	path = append(path, WorkflowStateNotStarted)
	for _, t := range history {
		path = append(path, t.To)
	}
	return path
}

type WorkflowStateInfo struct {
	Workflow        string
	CurrentState    WorkflowState
	LastTransition  *WorkflowStateTransition
	TransitionCount int
	ValidNextStates []WorkflowState
}

func (wsm *WorkflowStateMachine) GetStateInfo() WorkflowStateInfo {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()

	var lastTransition *WorkflowStateTransition
	if len(wsm.transitions) > 0 {
		last := wsm.transitions[len(wsm.transitions)-1]
		lastTransition = &last
	}

	next := make([]WorkflowState, 0, len(wsm.validTransitions[wsm.currentState])+1)
	next = append(next, wsm.validTransitions[wsm.currentState]...)
	if !wsm.isTerminalUnsafe() {
		next = append(next, WorkflowStateFailed)
	}

	return WorkflowStateInfo{
		Workflow:        wsm.workflow,
		CurrentState:    wsm.currentState,
		LastTransition:  lastTransition,
		TransitionCount: len(wsm.transitions),
		ValidNextStates: next,
	}
}
