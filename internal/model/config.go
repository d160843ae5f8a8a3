package model

import (
	"context"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	FormatJSON = "json"
	FormatXLSX = "xlsx"
	FormatText = "text"

	DefaultServerURL    = "http://localhost:8000/api/v1"
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 30 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"`
	Server  Server  `json:"server" yaml:"server"`
	Poll    *Poll   `json:"poll,omitempty" yaml:"poll,omitempty"`
	Service Service `json:"service" yaml:"service"`
}

// Server locates the audit backend. URL may reference environment variables.
type Server struct {
	URL     string  `json:"url" yaml:"url"`
	Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Poll configures the status polling loop. Zero or absent MaxFailures and
// Timeout mean polling never gives up. FailFast gives up on the first
// failure the backend reports as permanent, e.g. 404 for the audit.
type Poll struct {
	Interval    *string `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxFailures *int    `json:"max_failures,omitempty" yaml:"max_failures,omitempty"`
	FailFast    *bool   `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	Timeout     *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type Service struct {
	Mode     string         `json:"mode" yaml:"mode"`
	Verbose  *bool          `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log      *string        `json:"log,omitempty" yaml:"log,omitempty"`           // "stderr"|"stdout"|"discard"|path
	Inbox    *string        `json:"inbox,omitempty" yaml:"inbox,omitempty"`       // directory with documents to audit
	Dir      *string        `json:"dir,omitempty" yaml:"dir,omitempty"`           // report output directory
	Format   *string        `json:"format,omitempty" yaml:"format,omitempty"`     // "json"|"xlsx"|"text"
	History  *string        `json:"history,omitempty" yaml:"history,omitempty"`   // sqlite database path
	Parallel *int           `json:"parallel,omitempty" yaml:"parallel,omitempty"` // concurrent audits
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// TimerSchedule holds exactly one of a cron expression or an ISO8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Server: Server{
			URL: DefaultServerURL,
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  ptr(LogStderr),
		},
	}
}

// ServerURL returns the backend URL with environment variables expanded.
func (c Config) ServerURL() string {
	return os.ExpandEnv(c.Server.URL)
}

func (c Config) ServerTimeout() time.Duration {
	return duration(c.Server.Timeout, DefaultTimeout)
}

func (c Config) PollInterval() time.Duration {
	if c.Poll == nil {
		return DefaultPollInterval
	}
	return duration(c.Poll.Interval, DefaultPollInterval)
}

func (c Config) PollMaxFailures() int {
	if c.Poll == nil {
		return 0
	}
	return get(c.Poll.MaxFailures)
}

func (c Config) PollFailFast() bool {
	if c.Poll == nil {
		return false
	}
	return get(c.Poll.FailFast)
}

func (c Config) PollTimeout() time.Duration {
	if c.Poll == nil {
		return 0
	}
	return duration(c.Poll.Timeout, 0)
}

func (s Service) IsVerbose() bool {
	return get(s.Verbose)
}

func (s Service) LogDest() string {
	if s.Log == nil {
		return LogStderr
	}
	return *s.Log
}

func (s Service) ReportFormat() string {
	if s.Format == nil {
		return FormatJSON
	}
	return *s.Format
}

func (s Service) Concurrency() int {
	if s.Parallel == nil {
		return 1
	}
	return *s.Parallel
}

func duration(s *string, dflt time.Duration) time.Duration {
	if s == nil {
		return dflt
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return dflt
	}
	return d
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}

func (s Service) InboxDir() string {
	return get(s.Inbox)
}

func (s Service) ReportDir() string {
	return get(s.Dir)
}

func (s Service) HistoryPath() string {
	return get(s.History)
}
