package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethchange/taskrunner/pkg/command"
	"github.com/ethchange/taskrunner/pkg/config"
	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/launcher"
	"github.com/ethchange/taskrunner/pkg/logging"
	"github.com/ethchange/taskrunner/pkg/metrics"
	"github.com/ethchange/taskrunner/pkg/orchestrator/workflowstate"
	"github.com/ethchange/taskrunner/pkg/provision"
	"github.com/ethchange/taskrunner/pkg/tools"
)

const (
	WorkflowServer   = "runserver"
	WorkflowServices = "runservices"
	WorkflowReformat = "reformat"
)

type ServerOptions struct {
	Flush    bool
	Reformat bool
}

type Options struct {
	Settings *config.Settings

	// Paths to provision before any workflow; defaults to provision.DefaultLayout
	Paths []provision.ManagedPath

	Executor command.Runner
	Launcher launcher.Starter
	Metrics  *metrics.Metrics

	// AllowCommandFailure logs non-zero exits of setup commands instead of failing the workflow
	AllowCommandFailure bool
}

// Orchestrator drives the task workflows. Paths and tools are prepared once per run and
// shared by every workflow of that run.
type Orchestrator struct {
	settings            *config.Settings
	paths               []provision.ManagedPath
	provisioner         *provision.Provisioner
	resolver            *tools.Resolver
	executor            command.Runner
	launcher            launcher.Starter
	metrics             *metrics.Metrics
	allowCommandFailure bool
	logger              logging.Logger

	mutex     sync.Mutex
	toolset   *tools.Toolset
	handles   []*launcher.ProcessHandle
	workflows []*workflowstate.WorkflowStateMachine
}

func NewOrchestrator(options Options, logger logging.Logger) (*Orchestrator, error) {
	if options.Settings == nil {
		return nil, errors.NewValidationError("settings are required", nil)
	}
	if options.Executor == nil {
		return nil, errors.NewValidationError("command executor is required", nil)
	}
	if options.Launcher == nil {
		return nil, errors.NewValidationError("process launcher is required", nil)
	}

	paths := options.Paths
	if paths == nil {
		paths = provision.DefaultLayout(options.Settings.BaseDir)
	}

	return &Orchestrator{
		settings:            options.Settings,
		paths:               paths,
		provisioner:         provision.NewProvisioner(logger),
		resolver:            tools.NewResolver(options.Settings.Tools.Mode, logger),
		executor:            options.Executor,
		launcher:            options.Launcher,
		metrics:             options.Metrics,
		allowCommandFailure: options.AllowCommandFailure || options.Settings.Runner.AllowCommandFailure,
		logger:              logger,
	}, nil
}

// Handles returns the processes launched by this orchestrator, in launch order
func (o *Orchestrator) Handles() []*launcher.ProcessHandle {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	handles := make([]*launcher.ProcessHandle, len(o.handles))
	copy(handles, o.handles)
	return handles
}

// Workflows returns the state machines of the workflows started so far
func (o *Orchestrator) Workflows() []*workflowstate.WorkflowStateMachine {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	workflows := make([]*workflowstate.WorkflowStateMachine, len(o.workflows))
	copy(workflows, o.workflows)
	return workflows
}

// StartServices launches every enabled background service in declaration order
func (o *Orchestrator) StartServices(ctx context.Context) ([]*launcher.ProcessHandle, error) {
	wsm, err := o.begin(ctx, WorkflowServices)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	services := ServiceCatalog(o.settings, o.currentToolset())
	if err := o.validateDependencies(services); err != nil {
		return nil, wsm.Fail("validate dependencies", err)
	}

	if err := wsm.Transition(workflowstate.WorkflowStateLaunching, "start services", nil); err != nil {
		return nil, err
	}

	var handles []*launcher.ProcessHandle
	for _, service := range services {
		if service.Optional && o.currentToolset().Get(service.Tool).Missing {
			o.logger.Warnf("Skipping optional service, name: %s, missing tool: %s", service.Name, service.Tool)
			continue
		}

		handle, err := o.startService(ctx, service)
		if err != nil {
			return handles, wsm.Fail("start "+service.Name, err)
		}
		handles = append(handles, handle)
	}

	if err := wsm.Transition(workflowstate.WorkflowStateRunning, "start services", nil); err != nil {
		return handles, err
	}
	o.logger.Infof("Services started, count: %d, elapsed: %v", len(handles), time.Since(start))
	return handles, nil
}

// StartServer prepares the web service and launches it in the background
func (o *Orchestrator) StartServer(ctx context.Context, options ServerOptions) (*launcher.ProcessHandle, error) {
	wsm, err := o.begin(ctx, WorkflowServer)
	if err != nil {
		return nil, err
	}
	toolset := o.currentToolset()

	if options.Reformat {
		if err := wsm.Transition(workflowstate.WorkflowStateReformatting, "reformat", nil); err != nil {
			return nil, err
		}
		if err := o.runSteps(ctx, ReformatSteps(o.settings, toolset)); err != nil {
			return nil, wsm.Fail("reformat", err)
		}
	}

	if err := wsm.Transition(workflowstate.WorkflowStateMigrating, "migrate", nil); err != nil {
		return nil, err
	}
	if err := o.runSteps(ctx, MigrationSteps(o.settings, toolset)); err != nil {
		return nil, wsm.Fail("migrate", err)
	}

	if options.Flush {
		if err := wsm.Transition(workflowstate.WorkflowStateFlushing, "flush", nil); err != nil {
			return nil, err
		}
		if err := o.runSteps(ctx, FlushSteps(o.settings, toolset)); err != nil {
			return nil, wsm.Fail("flush", err)
		}
	}

	if err := wsm.Transition(workflowstate.WorkflowStateLaunching, "runserver", nil); err != nil {
		return nil, err
	}
	handle, err := o.startService(ctx, ServerService(o.settings, toolset))
	if err != nil {
		return nil, wsm.Fail("runserver", err)
	}

	if err := wsm.Transition(workflowstate.WorkflowStateRunning, "runserver", nil); err != nil {
		return handle, err
	}
	o.logger.Infof("Server started, address: %s", o.settings.ServerAddress())
	return handle, nil
}

// RunReformat runs the source formatters
func (o *Orchestrator) RunReformat(ctx context.Context) error {
	wsm, err := o.begin(ctx, WorkflowReformat)
	if err != nil {
		return err
	}

	if err := wsm.Transition(workflowstate.WorkflowStateReformatting, "reformat", nil); err != nil {
		return err
	}
	if err := o.runSteps(ctx, ReformatSteps(o.settings, o.currentToolset())); err != nil {
		return wsm.Fail("reformat", err)
	}
	return wsm.Transition(workflowstate.WorkflowStateCompleted, "reformat", nil)
}

// begin creates the workflow state machine and walks it through path provisioning and
// tool resolution
func (o *Orchestrator) begin(ctx context.Context, workflow string) (*workflowstate.WorkflowStateMachine, error) {
	var observer workflowstate.Observer
	if o.metrics != nil {
		observer = o.metrics
	}
	wsm := workflowstate.NewWorkflowStateMachine(workflow, observer, o.logger)

	o.mutex.Lock()
	o.workflows = append(o.workflows, wsm)
	o.mutex.Unlock()

	o.logger.Infof("Starting workflow [%s]", workflow)

	if err := ctx.Err(); err != nil {
		return nil, wsm.Fail("start", errors.NewCancelledError("workflow cancelled before start", err).
			WithContext("workflow", workflow))
	}

	if err := wsm.Transition(workflowstate.WorkflowStateProvisioningPaths, "provision", nil); err != nil {
		return nil, err
	}
	if err := o.provisioner.EnsureAll(o.paths); err != nil {
		return nil, wsm.Fail("provision", err)
	}

	if err := wsm.Transition(workflowstate.WorkflowStateResolvingTools, "resolve tools", nil); err != nil {
		return nil, err
	}
	if err := o.resolveTools(); err != nil {
		return nil, wsm.Fail("resolve tools", err)
	}
	return wsm, nil
}

func (o *Orchestrator) resolveTools() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.toolset != nil {
		return nil
	}

	disabled := o.disabledServiceTools()
	declared := make(map[string]config.ToolSettings, len(o.settings.Tools.Paths)+1)
	for name, tool := range o.settings.Tools.Paths {
		if disabled[name] {
			tool.Optional = true
		}
		declared[name] = tool
	}
	declared[config.ToolPython] = config.ToolSettings{Path: o.settings.Interpreter}

	toolset, err := o.resolver.ResolveAll(declared)
	if err != nil {
		return err
	}
	if missing := toolset.Missing(); len(missing) > 0 {
		o.logger.Debugf("Unresolved tools: %v", missing)
	}
	o.toolset = toolset
	return nil
}

// disabledServiceTools names the tools only needed by services turned off in settings;
// their absence must not fail a run that never launches them
func (o *Orchestrator) disabledServiceTools() map[string]bool {
	disabled := make(map[string]bool)
	mark := func(enabled bool, names ...string) {
		if enabled {
			return
		}
		for _, name := range names {
			disabled[name] = true
		}
	}

	mark(o.settings.MetricsDB.IsEnabled(), config.ToolInfluxd, config.ToolInflux)
	mark(o.settings.Node.IsEnabled(), config.ToolGeth, config.ToolClef, config.ToolClefRules)
	mark(o.settings.TestChain.IsEnabled(), config.ToolGanache)
	return disabled
}

func (o *Orchestrator) currentToolset() *tools.Toolset {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.toolset
}

func (o *Orchestrator) validateDependencies(services []ServiceDescriptor) error {
	declared := make(map[string]bool, len(services))
	for _, service := range services {
		for _, dep := range service.DependsOn {
			if !declared[dep] {
				return errors.NewValidationError(
					fmt.Sprintf("service '%s' depends on '%s' which is not started before it", service.Name, dep),
					nil,
				).WithContext("service", service.Name).WithContext("dependency", dep)
			}
		}
		declared[service.Name] = true
	}
	return nil
}

func (o *Orchestrator) runSteps(ctx context.Context, steps []Step) error {
	for _, step := range steps {
		if err := o.runStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// runStep executes one synchronous command and applies the exit code policy
func (o *Orchestrator) runStep(ctx context.Context, step Step) error {
	if _, err := o.currentToolset().Path(step.Tool); err != nil {
		return errors.NewLaunchFailureError("cannot run step without its tool", err).
			WithContext("step", step.Name)
	}

	code, err := o.executor.Run(ctx, step.Command, false)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}

	if step.AllowFailure || o.allowCommandFailure {
		o.logger.Warnf("Ignoring failed command [%s], exit code: %d", step.Command.String(), code)
		return nil
	}
	return errors.NewCommandFailureError("command exited with non-zero status", nil).
		WithContext("step", step.Name).
		WithContext("command", step.Command.String()).
		WithContext("exit_code", code)
}

// startService launches a descriptor, waits for readiness and runs its post-launch steps
func (o *Orchestrator) startService(ctx context.Context, service ServiceDescriptor) (*launcher.ProcessHandle, error) {
	if _, err := o.currentToolset().Path(service.Tool); err != nil {
		return nil, errors.NewLaunchFailureError("cannot launch service without its tool", err).
			WithContext("service", service.Name)
	}

	handle, err := o.launcher.Launch(ctx, service.Name, service.Command, false)
	if err != nil {
		return nil, err
	}

	o.mutex.Lock()
	o.handles = append(o.handles, handle)
	o.mutex.Unlock()

	probe := service.Readiness()
	o.logger.Debugf("Waiting for service readiness, name: %s, probe: %s", service.Name, probe.Kind())
	err = probe.Wait(ctx)
	o.metrics.ObserveProbe(probe.Kind(), err)
	if err != nil {
		return handle, errors.NewLaunchFailureError("service did not become ready", err).
			WithContext("service", service.Name)
	}

	if !handle.Running() {
		status := handle.Status()
		if status.State == launcher.ProcessStateFailed || status.ExitCode != 0 {
			return handle, errors.NewLaunchFailureError("service exited during startup", status.Err).
				WithContext("service", service.Name).
				WithContext("exit_code", status.ExitCode)
		}
	}

	if err := o.runSteps(ctx, service.PostLaunch); err != nil {
		return handle, err
	}
	return handle, nil
}
