package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ethchange/taskrunner/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Settings is the runner configuration, constructed once per run and passed explicitly
type Settings struct {
	Debug       bool   `yaml:"debug"`
	LogLevel    string `yaml:"log_level,omitempty"`
	BaseDir     string `yaml:"base_dir,omitempty"`
	Interpreter string `yaml:"interpreter,omitempty"` // Python interpreter of the managed web service
	SecretToken string `yaml:"secret_token,omitempty"`

	Server    ServerSettings    `yaml:"server"`
	Admin     AdminSettings     `yaml:"admin"`
	Node      NodeSettings      `yaml:"node"`
	MetricsDB MetricsDBSettings `yaml:"influxdb"`
	TestChain TestChainSettings `yaml:"ganache"`
	Tools     ToolsSettings     `yaml:"tools"`
	Runner    RunnerSettings    `yaml:"runner"`
}

type ServerSettings struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	StartleDelay time.Duration `yaml:"startle_delay,omitempty"`
}

// AdminSettings is the default administrative account created after a flush
type AdminSettings struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Phone    string `yaml:"phone"`
	Password string `yaml:"password"`
}

// ServiceSettings holds fields shared by every background service
type ServiceSettings struct {
	Enabled      *bool         `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	StartleDelay time.Duration `yaml:"startle_delay,omitempty"`
	Probe        ProbeSettings `yaml:"probe,omitempty"`
}

func (s ServiceSettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type ProbeType string

const (
	ProbeTypeNone ProbeType = "none"
	ProbeTypeTCP  ProbeType = "tcp"
	ProbeTypeHTTP ProbeType = "http"
)

type ProbeSettings struct {
	Type     ProbeType     `yaml:"type,omitempty"`
	Address  string        `yaml:"address,omitempty"` // tcp host:port, defaults to the service bind address
	URL      string        `yaml:"url,omitempty"`     // http endpoint, defaults per service
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Retries  uint          `yaml:"retries,omitempty"`
}

type NodeSettings struct {
	ServiceSettings `yaml:",inline"`
	Addr            string   `yaml:"addr"`
	Port            int      `yaml:"port"`
	Network         string   `yaml:"network"`
	Identity        string   `yaml:"identity"`
	HTTPAPI         []string `yaml:"http_api"`
	Pprof           bool     `yaml:"pprof"`
	ExportMetrics   bool     `yaml:"export_metrics"`
}

type MetricsDBSettings struct {
	ServiceSettings `yaml:",inline"`
	Addr            string `yaml:"addr"`
	Port            int    `yaml:"port"`
	Org             string `yaml:"org"`
	Bucket          string `yaml:"bucket"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Token           string `yaml:"token,omitempty"` // operator token, defaults to secret_token
	Retention       string `yaml:"retention,omitempty"`
}

type TestChainSettings struct {
	ServiceSettings `yaml:",inline"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ChainID         int    `yaml:"chain_id"`
	Accounts        int    `yaml:"accounts"`
}

type ToolMode string

const (
	ToolModeStrict     ToolMode = "strict"
	ToolModePermissive ToolMode = "permissive"
)

type ToolSettings struct {
	Path     string `yaml:"path"`
	Optional bool   `yaml:"optional,omitempty"`
}

type ToolsSettings struct {
	Mode  ToolMode                `yaml:"mode,omitempty"`
	Paths map[string]ToolSettings `yaml:"paths,omitempty"`
}

type RunnerSettings struct {
	GracefulTimeout     time.Duration `yaml:"graceful_timeout,omitempty"`
	AllowCommandFailure bool          `yaml:"allow_command_failure,omitempty"`
	MetricsAddr         string        `yaml:"metrics_addr,omitempty"`
	LogFile             string        `yaml:"log_file,omitempty"`
}

// Tool names known to the service catalog
const (
	ToolGeth      = "geth"
	ToolClef      = "clef"
	ToolClefRules = "clef_rules"
	ToolInfluxd   = "influxd"
	ToolInflux    = "influx"
	ToolGanache   = "ganache"
	ToolIsort     = "isort"
	ToolBlack     = "black"

	// ToolPython is the interpreter of the managed web service, taken from Settings.Interpreter
	ToolPython = "python"
)

const (
	EnvDefault     = "default"
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

var environments = []string{EnvDefault, EnvDevelopment, EnvProduction}

// LoadSettings reads the settings file and merges the "default" section followed by the
// section named env. Files without environment sections are decoded as a whole. Each of
// overlays (for example a secrets file) is merged on top the same way; missing overlays
// are skipped.
func LoadSettings(filename string, env string, overlays ...string) (*Settings, error) {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = EnvDevelopment
	}
	if !isKnownEnvironment(env) {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown settings environment: %s", env), nil).
			WithContext("valid_environments", strings.Join(environments, ", "))
	}

	var settings Settings

	if filename != "" {
		if err := mergeFile(&settings, filename, env); err != nil {
			return nil, err
		}
	}

	for _, overlay := range overlays {
		if overlay == "" {
			continue
		}
		if _, err := os.Stat(overlay); os.IsNotExist(err) {
			continue
		}
		if err := mergeFile(&settings, overlay, env); err != nil {
			return nil, err
		}
	}

	return &settings, nil
}

func mergeFile(settings *Settings, filename string, env string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewIOError("failed to read settings file", err).WithContext("filename", filename)
	}
	if err := mergeYAML(settings, data, env); err != nil {
		return errors.NewValidationError("failed to parse YAML settings", err).WithContext("filename", filename)
	}
	return nil
}

func mergeYAML(settings *Settings, data []byte, env string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil // empty document
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("settings document must be a mapping, got node kind %d", root.Kind)
	}

	sections := make(map[string]*yaml.Node)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := strings.ToLower(root.Content[i].Value)
		if isKnownEnvironment(key) {
			sections[key] = root.Content[i+1]
		}
	}

	if len(sections) == 0 {
		return root.Decode(settings)
	}

	order := []string{EnvDefault}
	if env != EnvDefault {
		order = append(order, env)
	}
	for _, name := range order {
		section, ok := sections[name]
		if !ok {
			continue
		}
		if err := section.Decode(settings); err != nil {
			return fmt.Errorf("section %q: %w", name, err)
		}
	}
	return nil
}

func isKnownEnvironment(env string) bool {
	for _, e := range environments {
		if e == env {
			return true
		}
	}
	return false
}

// ApplyDefaults fills unset fields. Relative paths are resolved against the base directory.
func ApplyDefaults(settings *Settings, baseDir string) error {
	if settings == nil {
		return errors.NewValidationError("settings cannot be nil", nil)
	}

	if baseDir != "" {
		settings.BaseDir = baseDir
	}
	if settings.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return errors.NewIOError("failed to get working directory", err)
		}
		settings.BaseDir = wd
	}
	absBase, err := filepath.Abs(settings.BaseDir)
	if err != nil {
		return errors.NewIOError("failed to resolve base directory", err).WithContext("base_dir", settings.BaseDir)
	}
	settings.BaseDir = absBase

	if settings.LogLevel == "" {
		if settings.Debug {
			settings.LogLevel = "debug"
		} else {
			settings.LogLevel = "info"
		}
	}

	if settings.Interpreter == "" {
		settings.Interpreter = defaultInterpreter()
	}
	settings.Interpreter = settings.Path(settings.Interpreter)

	if settings.Server.Host == "" {
		settings.Server.Host = "127.0.0.1"
	}
	if settings.Server.Port == 0 {
		settings.Server.Port = 8000
	}
	if settings.Server.StartleDelay == 0 {
		settings.Server.StartleDelay = 2 * time.Second
	}

	if settings.Admin.Name == "" {
		settings.Admin.Name = "admin_user"
	}
	if settings.Admin.Email == "" {
		settings.Admin.Email = "admin_user@testmail.com"
	}
	if settings.Admin.Phone == "" {
		settings.Admin.Phone = "3214569870"
	}
	if settings.Admin.Password == "" {
		settings.Admin.Password = "qwerty123456"
	}

	setNodeDefaults(&settings.Node)
	setMetricsDBDefaults(&settings.MetricsDB, settings.SecretToken)
	setTestChainDefaults(&settings.TestChain)
	setToolDefaults(settings)

	if settings.Runner.GracefulTimeout == 0 {
		settings.Runner.GracefulTimeout = 10 * time.Second
	}
	if settings.Runner.LogFile == "" {
		settings.Runner.LogFile = filepath.Join("volume", "logs", "taskrunner.log")
	}
	settings.Runner.LogFile = settings.Path(settings.Runner.LogFile)

	return nil
}

func setServiceDefaults(s *ServiceSettings) {
	if s.StartleDelay == 0 {
		s.StartleDelay = 2 * time.Second
	}
	if s.Probe.Type == "" {
		s.Probe.Type = ProbeTypeNone
	}
	if s.Probe.Interval == 0 {
		s.Probe.Interval = 500 * time.Millisecond
	}
	if s.Probe.Timeout == 0 {
		s.Probe.Timeout = 30 * time.Second
	}
	if s.Probe.Retries == 0 {
		s.Probe.Retries = 60
	}
}

func setNodeDefaults(s *NodeSettings) {
	setServiceDefaults(&s.ServiceSettings)
	if s.Addr == "" {
		s.Addr = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 8545
	}
	if s.Network == "" {
		s.Network = "goerli"
	}
	if s.Identity == "" {
		s.Identity = "ethchange"
	}
	if len(s.HTTPAPI) == 0 {
		s.HTTPAPI = []string{"eth", "net", "web3", "personal"}
	}
}

func setMetricsDBDefaults(s *MetricsDBSettings, secretToken string) {
	setServiceDefaults(&s.ServiceSettings)
	if s.Addr == "" {
		s.Addr = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 8086
	}
	if s.Org == "" {
		s.Org = "ethchange"
	}
	if s.Bucket == "" {
		s.Bucket = "geth"
	}
	if s.Username == "" {
		s.Username = "admin_user"
	}
	if s.Password == "" {
		s.Password = "qwerty123456"
	}
	if s.Retention == "" {
		s.Retention = "0"
	}
	if s.Token == "" {
		s.Token = secretToken
	}
}

func setTestChainDefaults(s *TestChainSettings) {
	setServiceDefaults(&s.ServiceSettings)
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 7545
	}
	if s.ChainID == 0 {
		s.ChainID = 1337
	}
	if s.Accounts == 0 {
		s.Accounts = 10
	}
}

func setToolDefaults(settings *Settings) {
	if settings.Tools.Mode == "" {
		if settings.Debug {
			settings.Tools.Mode = ToolModePermissive
		} else {
			settings.Tools.Mode = ToolModeStrict
		}
	}

	defaults := DefaultToolPaths()
	if settings.Tools.Paths == nil {
		settings.Tools.Paths = make(map[string]ToolSettings, len(defaults))
	}
	for name, def := range defaults {
		tool, ok := settings.Tools.Paths[name]
		if !ok {
			tool = def
		} else if tool.Path == "" {
			tool.Path = def.Path
		}
		tool.Path = settings.Path(tool.Path)
		settings.Tools.Paths[name] = tool
	}
}

// DefaultToolPaths returns the tool layout relative to the base directory
func DefaultToolPaths() map[string]ToolSettings {
	return map[string]ToolSettings{
		ToolGeth:      {Path: filepath.Join("tool", "geth", executableName("geth"))},
		ToolClef:      {Path: filepath.Join("tool", "geth", executableName("clef")), Optional: true},
		ToolClefRules: {Path: filepath.Join("tool", "clef_rules.js"), Optional: true},
		ToolInfluxd:   {Path: filepath.Join("tool", "influxdb", executableName("influxd"))},
		ToolInflux:    {Path: filepath.Join("tool", "influxdb", executableName("influx"))},
		ToolGanache:   {Path: filepath.Join("tool", "ganache", executableName("ganache")), Optional: true},
		ToolIsort:     {Path: filepath.Join(venvBinDir(), executableName("isort")), Optional: true},
		ToolBlack:     {Path: filepath.Join(venvBinDir(), executableName("black")), Optional: true},
	}
}

// Path resolves p against the base directory unless it is already absolute
func (s *Settings) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.BaseDir, p)
}

// ServerAddress is the bind address passed to the managed web service
func (s *Settings) ServerAddress() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}

func defaultInterpreter() string {
	return filepath.Join(venvBinDir(), executableName("python"))
}

func venvBinDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(".venv", "Scripts")
	}
	return filepath.Join(".venv", "bin")
}

func executableName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// ValidateSettings validates the settings after defaults were applied
func ValidateSettings(settings *Settings) error {
	if settings == nil {
		return errors.NewValidationError("settings cannot be nil", nil)
	}

	ports := []struct {
		name string
		port int
	}{
		{"server.port", settings.Server.Port},
		{"node.port", settings.Node.Port},
		{"influxdb.port", settings.MetricsDB.Port},
		{"ganache.port", settings.TestChain.Port},
	}
	for _, p := range ports {
		if p.port <= 0 || p.port > 65535 {
			return errors.NewValidationError(
				fmt.Sprintf("invalid port number: %d", p.port),
				nil,
			).WithContext("field", p.name).WithContext("valid_range", "1-65535")
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if settings.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", settings.LogLevel),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	switch settings.Tools.Mode {
	case ToolModeStrict, ToolModePermissive:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid tool mode: %s", settings.Tools.Mode),
			nil,
		).WithContext("valid_modes", "strict, permissive")
	}

	services := map[string]ServiceSettings{
		"node":     settings.Node.ServiceSettings,
		"influxdb": settings.MetricsDB.ServiceSettings,
		"ganache":  settings.TestChain.ServiceSettings,
	}
	for name, service := range services {
		if err := validateServiceSettings(service); err != nil {
			return errors.NewValidationError("invalid service settings", err).WithContext("service", name)
		}
	}

	if settings.Admin.Name == "" || settings.Admin.Email == "" || settings.Admin.Password == "" {
		return errors.NewValidationError("admin name, email and password are required", nil)
	}

	return nil
}

func validateServiceSettings(s ServiceSettings) error {
	if s.StartleDelay < 0 {
		return errors.NewValidationError("startle delay cannot be negative", nil)
	}
	switch s.Probe.Type {
	case ProbeTypeNone, ProbeTypeTCP, ProbeTypeHTTP:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported probe type: %s", s.Probe.Type),
			nil,
		).WithContext("supported_types", "none, tcp, http")
	}
	return nil
}

// Load is LoadSettings followed by ApplyDefaults and ValidateSettings
func Load(filename, env, baseDir string, overlays ...string) (*Settings, error) {
	settings, err := LoadSettings(filename, env, overlays...)
	if err != nil {
		return nil, err
	}
	if err := ApplyDefaults(settings, baseDir); err != nil {
		return nil, err
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}
