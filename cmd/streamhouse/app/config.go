package app

import (
	"flag"
	"time"

	"github.com/streamhouse/streamhouse/modules/httpapi"
	"github.com/streamhouse/streamhouse/modules/quicserver"
	"github.com/streamhouse/streamhouse/modules/tcpserver"
	"github.com/streamhouse/streamhouse/streaming/system"
)

// Config is the root config for App.
type Config struct {
	Target    string `yaml:"target,omitempty"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	System system.Config     `yaml:"system,omitempty"`
	TCP    tcpserver.Config  `yaml:"tcp,omitempty"`
	QUIC   quicserver.Config `yaml:"quic,omitempty"`
	HTTP   httpapi.Config    `yaml:"http,omitempty"`
}

func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// RegisterFlagsAndApplyDefaults registers flags and seeds defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "target module")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")

	c.System.RegisterFlagsAndApplyDefaults(prefixConfig(prefix, "system"), f)
	c.TCP.RegisterFlagsAndApplyDefaults(prefixConfig(prefix, "tcp"), f)
	c.QUIC.RegisterFlagsAndApplyDefaults(prefixConfig(prefix, "quic"), f)
	c.HTTP.RegisterFlagsAndApplyDefaults(prefixConfig(prefix, "http"), f)
}

func prefixConfig(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// ConfigWarning bundles message and explanation strings in one structure.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnNoTransports = ConfigWarning{
		Message: "all transports are disabled",
		Explain: "Enable at least one of tcp, quic or http to reach the broker",
	}
	warnRetentionWithoutExpiry = ConfigWarning{
		Message: "system.message_expiry is 0 with the default retention interval",
		Explain: "Retention only deletes segments of topics with an explicit expiry",
	}
	warnTinySegments = ConfigWarning{
		Message: "system.partition.segment.size is below 1MB",
		Explain: "Very small segments roll over constantly and hurt throughput",
	}
	warnFsyncDisabled = ConfigWarning{
		Message: "fsync is disabled",
		Explain: "Acknowledged writes may be lost on power failure",
	}
)

// CheckConfig checks if config values are suspect and returns a bundled
// list of warnings and explanations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning
	if !c.TCP.Enabled && !c.QUIC.Enabled && !c.HTTP.Enabled {
		warnings = append(warnings, warnNoTransports)
	}
	if c.System.MessageExpiry == 0 && c.System.RetentionInterval == time.Minute {
		warnings = append(warnings, warnRetentionWithoutExpiry)
	}
	if c.System.Partition.Segment.Size < 1024*1024 {
		warnings = append(warnings, warnTinySegments)
	}
	if !c.System.Partition.Segment.Writer.Fsync {
		warnings = append(warnings, warnFsyncDisabled)
	}
	return warnings
}
