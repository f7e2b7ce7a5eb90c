package droidexec

import (
	"time"

	"github.com/kandev/droidctl/internal/droidexec/correlator"
	"github.com/kandev/droidctl/internal/droidexec/permission"
	"github.com/kandev/droidctl/internal/droidexec/process"
	"github.com/kandev/droidctl/pkg/droid"
)

// Defaults for Config.
const (
	DefaultBinary       = "droid"
	DefaultAPIKeyEnv    = "FACTORY_API_KEY"
	DefaultRunTimeout   = 30 * time.Minute
	DefaultSettleWait   = 5 * time.Second
	DefaultModel        = "kimi-k2.5"
	protocolFormatValue = "stream-jsonrpc"
)

// DefaultEventQueueLimit caps events waiting for slow subscribers.
const DefaultEventQueueLimit = 10000

// Config drives how the manager launches and talks to the droid.
type Config struct {
	Binary        string
	Namespace     string
	APIVersion    string
	APIKeyEnv     string
	Model         string
	AutonomyLevel string
	MachineID     string

	RequestTimeout time.Duration
	RunTimeout     time.Duration
	TerminateGrace time.Duration
	// SettleWait bounds how long teardown waits for in-flight handlers.
	SettleWait time.Duration

	MaxLineBytes int
	StderrLines  int
	// EventQueueLimit caps undelivered events; newer events are dropped
	// while the queue is full.
	EventQueueLimit int

	Permissions permission.Config
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Binary:          DefaultBinary,
		Namespace:       droid.DefaultNamespace,
		APIVersion:      droid.DefaultFactoryAPIVersion,
		APIKeyEnv:       DefaultAPIKeyEnv,
		Model:           DefaultModel,
		RequestTimeout:  correlator.DefaultTimeout,
		RunTimeout:      DefaultRunTimeout,
		TerminateGrace:  process.DefaultGracePeriod,
		SettleWait:      DefaultSettleWait,
		MaxLineBytes:    droid.DefaultMaxLineBytes,
		StderrLines:     process.DefaultStderrLines,
		EventQueueLimit: DefaultEventQueueLimit,
		Permissions: permission.Config{
			FallbackAction: droid.OptionCancel,
			UpdateStrategy: permission.UpdateNone,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	if c.APIVersion == "" {
		c.APIVersion = d.APIVersion
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = d.APIKeyEnv
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = d.TerminateGrace
	}
	if c.SettleWait <= 0 {
		c.SettleWait = d.SettleWait
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = d.MaxLineBytes
	}
	if c.StderrLines <= 0 {
		c.StderrLines = d.StderrLines
	}
	if c.EventQueueLimit <= 0 {
		c.EventQueueLimit = d.EventQueueLimit
	}
	if c.Permissions.UpdateStrategy == "" {
		c.Permissions.UpdateStrategy = permission.UpdateNone
	}
	return c
}
