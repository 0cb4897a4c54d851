package orchestrator

import (
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethchange/taskrunner/pkg/command"
	"github.com/ethchange/taskrunner/pkg/config"
	"github.com/ethchange/taskrunner/pkg/launcher"
	"github.com/ethchange/taskrunner/pkg/tools"
)

// Step is a one-shot command run to completion
type Step struct {
	Name    string
	Tool    string
	Command command.Spec

	// AllowFailure tolerates a non-zero exit regardless of the orchestrator policy
	AllowFailure bool
}

// ServiceDescriptor is a long-running background service
type ServiceDescriptor struct {
	Name    string
	Tool    string
	Command command.Spec

	// DependsOn names services that must be declared, and started, earlier
	DependsOn []string

	StartleDelay time.Duration

	// Probe overrides the startle delay with an observable readiness check
	Probe launcher.ReadinessProbe

	PostLaunch []Step

	// Optional services are skipped when their tool is missing
	Optional bool
}

// Readiness returns the probe to run after launch, falling back to the startle delay
func (d ServiceDescriptor) Readiness() launcher.ReadinessProbe {
	if d.Probe != nil {
		return d.Probe
	}
	return launcher.DelayProbe{Delay: d.StartleDelay}
}

// ServiceCatalog returns the enabled background services in start order
func ServiceCatalog(settings *config.Settings, toolset *tools.Toolset) []ServiceDescriptor {
	var services []ServiceDescriptor

	if settings.MetricsDB.IsEnabled() {
		services = append(services, metricsDBService(settings, toolset))
	}
	if settings.Node.IsEnabled() {
		services = append(services, nodeService(settings, toolset))
	}
	if settings.TestChain.IsEnabled() {
		services = append(services, testChainService(settings, toolset))
	}
	return services
}

func metricsDBService(settings *config.Settings, toolset *tools.Toolset) ServiceDescriptor {
	db := settings.MetricsDB
	bind := hostPort(db.Addr, db.Port)
	endpoint := "http://" + bind

	descriptor := ServiceDescriptor{
		Name: "influxdb",
		Tool: config.ToolInfluxd,
		Command: command.New(
			toolset.Get(config.ToolInfluxd).Path,
			"--bolt-path", settings.Path(filepath.Join("volume", "influxdb", "influxd.bolt")),
			"--engine-path", settings.Path(filepath.Join("volume", "influxdb", "engine")),
			"--http-bind-address", bind,
		).WithDir(settings.BaseDir),
		StartleDelay: db.StartleDelay,
		Probe:        probeFor(db.ServiceSettings, bind, endpoint+"/health"),
	}

	if db.Username != "" && db.Password != "" {
		args := []string{
			toolset.Get(config.ToolInflux).Path, "setup",
			"--host", endpoint,
			"--org", db.Org,
			"--bucket", db.Bucket,
			"--username", db.Username,
			"--password", db.Password,
			"--retention", db.Retention,
			"--force",
		}
		if db.Token != "" {
			args = append(args, "--token", db.Token)
		}
		descriptor.PostLaunch = append(descriptor.PostLaunch, Step{
			Name:    "influx-setup",
			Tool:    config.ToolInflux,
			Command: command.New(args...).WithDir(settings.BaseDir),
			// setup refuses to run twice; an already initialized instance is fine
			AllowFailure: true,
		})
	}
	return descriptor
}

func nodeService(settings *config.Settings, toolset *tools.Toolset) ServiceDescriptor {
	node := settings.Node
	bind := hostPort(node.Addr, node.Port)

	args := []string{toolset.Get(config.ToolGeth).Path}
	if network := strings.ToLower(node.Network); network != "" && network != "mainnet" {
		args = append(args, "--"+network)
	}
	if node.Pprof {
		args = append(args, "--pprof")
	}
	args = append(args,
		"--keystore", settings.Path(filepath.Join("volume", "geth", "keystore")),
		"--identity", node.Identity,
		"--datadir", settings.Path(filepath.Join("volume", "geth", "ethereum")),
		"--ethash.dagdir", settings.Path(filepath.Join("volume", "geth", "ethash")),
		"--http",
		"--http.addr", node.Addr,
		"--http.port", strconv.Itoa(node.Port),
		"--http.api", strings.Join(node.HTTPAPI, ","),
	)

	var dependsOn []string
	if node.ExportMetrics {
		db := settings.MetricsDB
		args = append(args,
			"--metrics",
			"--metrics.influxdbv2",
			"--metrics.endpoint", "http://"+hostPort(db.Addr, db.Port),
			"--metrics.organization", db.Org,
			"--metrics.bucket", db.Bucket,
		)
		if db.Token != "" {
			args = append(args, "--metrics.token", db.Token)
		}
		dependsOn = append(dependsOn, "influxdb")
	}

	return ServiceDescriptor{
		Name:         "geth",
		Tool:         config.ToolGeth,
		Command:      command.New(args...).WithDir(settings.BaseDir),
		DependsOn:    dependsOn,
		StartleDelay: node.StartleDelay,
		Probe:        probeFor(node.ServiceSettings, bind, "http://"+bind),
	}
}

func testChainService(settings *config.Settings, toolset *tools.Toolset) ServiceDescriptor {
	chain := settings.TestChain
	bind := hostPort(chain.Host, chain.Port)

	return ServiceDescriptor{
		Name: "ganache",
		Tool: config.ToolGanache,
		Command: command.New(
			toolset.Get(config.ToolGanache).Path,
			"--server.host", chain.Host,
			"--server.port", strconv.Itoa(chain.Port),
			"--chain.chainId", strconv.Itoa(chain.ChainID),
			"--wallet.totalAccounts", strconv.Itoa(chain.Accounts),
			"--database.dbPath", settings.Path(filepath.Join("volume", "ganache")),
		).WithDir(settings.BaseDir),
		StartleDelay: chain.StartleDelay,
		Probe:        probeFor(chain.ServiceSettings, bind, "http://"+bind),
		Optional:     true,
	}
}

// manageStep runs a management command of the web service through its interpreter
func manageStep(settings *config.Settings, toolset *tools.Toolset, args ...string) Step {
	argv := append([]string{toolset.Get(config.ToolPython).Path, "-m", "manage"}, args...)
	return Step{
		Name:    args[0],
		Tool:    config.ToolPython,
		Command: command.New(argv...).WithDir(settings.BaseDir),
	}
}

// MigrationSteps synchronize the web service schema
func MigrationSteps(settings *config.Settings, toolset *tools.Toolset) []Step {
	return []Step{
		manageStep(settings, toolset, "makemigrations", "--noinput", "--no-header"),
		manageStep(settings, toolset, "migrate", "--run-syncdb", "--noinput"),
	}
}

// FlushSteps clear the data store and recreate the administrative account
func FlushSteps(settings *config.Settings, toolset *tools.Toolset) []Step {
	admin := settings.Admin
	return []Step{
		manageStep(settings, toolset, "flush", "--noinput"),
		manageStep(settings, toolset, "createsuperuser", "--noinput",
			"--name", admin.Name,
			"--email", admin.Email,
			"--phone", admin.Phone,
			"--password", admin.Password,
		),
	}
}

func ReformatSteps(settings *config.Settings, toolset *tools.Toolset) []Step {
	return []Step{
		{Name: "isort", Tool: config.ToolIsort, Command: command.New(toolset.Get(config.ToolIsort).Path, ".").WithDir(settings.BaseDir)},
		{Name: "black", Tool: config.ToolBlack, Command: command.New(toolset.Get(config.ToolBlack).Path, ".").WithDir(settings.BaseDir)},
	}
}

// ServerService is the managed web service itself
func ServerService(settings *config.Settings, toolset *tools.Toolset) ServiceDescriptor {
	step := manageStep(settings, toolset, "runserver", settings.ServerAddress())
	return ServiceDescriptor{
		Name:         "server",
		Tool:         step.Tool,
		Command:      step.Command,
		StartleDelay: settings.Server.StartleDelay,
	}
}

func probeFor(s config.ServiceSettings, address, url string) launcher.ReadinessProbe {
	poll := launcher.PollSettings{
		Interval: s.Probe.Interval,
		Timeout:  s.Probe.Timeout,
		Retries:  s.Probe.Retries,
	}

	switch s.Probe.Type {
	case config.ProbeTypeTCP:
		if s.Probe.Address != "" {
			address = s.Probe.Address
		}
		return launcher.TCPProbe{Address: address, PollSettings: poll}
	case config.ProbeTypeHTTP:
		if s.Probe.URL != "" {
			url = s.Probe.URL
		}
		return launcher.HTTPProbe{URL: url, PollSettings: poll}
	default:
		return nil
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
