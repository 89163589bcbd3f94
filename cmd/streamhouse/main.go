package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"github.com/streamhouse/streamhouse/cmd/streamhouse/app"
	"github.com/streamhouse/streamhouse/cmd/streamhouse/build"
	"github.com/streamhouse/streamhouse/pkg/util/log"
)

const (
	appName = "streamhouse"

	// configPathEnvVar points at the config file when no flag is given.
	configPathEnvVar = "STREAMHOUSE_CONFIG_PATH"
	// envOverridePrefix prefixes per-key environment overrides of the form
	// STREAMHOUSE_<SECTION>_<KEY>.
	envOverridePrefix = "STREAMHOUSE_"
)

func init() {
	version.Version = build.Version
	version.Branch = build.Branch
	version.Revision = build.Revision
	prometheus.MustRegister(versioncollector.NewCollector(appName))
}

func main() {
	printVersion := flag.Bool("version", false, "Print this build's version information")

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	log.InitLogger(config.LogLevel, config.LogFormat)

	// warn the user about suspect configurations
	for _, w := range config.CheckConfig() {
		output := []interface{}{"msg", w.Message}
		if w.Explain != "" {
			output = append(output, "explain", w.Explain)
		}
		level.Warn(log.Logger).Log(output...)
	}

	a, err := app.New(*config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising streamhouse", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "starting streamhouse", "version", version.Info())

	if err := a.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running streamhouse", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// first get the config file; parsing stops on the first unknown flag,
	// so try the remaining parameters until the config flag is found
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	if configFile == "" {
		configFile = os.Getenv(configPathEnvVar)
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}
		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}
		buff, err = applyEnvOverrides(buff, os.Environ())
		if err != nil {
			return nil, fmt.Errorf("failed to apply env overrides: %w", err)
		}

		dec := yaml.NewDecoder(strings.NewReader(string(buff)))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	ignoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	ignoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}

// applyEnvOverrides rewrites individual config keys from environment
// variables of the form STREAMHOUSE_<SECTION>_<KEY>, e.g.
// STREAMHOUSE_TCP_LISTEN_ADDR. Section and key are matched against the
// yaml tree case-insensitively.
func applyEnvOverrides(buff []byte, environ []string) ([]byte, error) {
	var tree map[string]interface{}
	if err := yaml.Unmarshal(buff, &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]interface{}{}
	}

	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv, envOverridePrefix) {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if key == configPathEnvVar {
			continue
		}
		parts := strings.Split(strings.ToLower(strings.TrimPrefix(key, envOverridePrefix)), "_")
		if len(parts) < 2 {
			continue
		}
		// section is the first segment; the rest joins into the key so that
		// STREAMHOUSE_TCP_LISTEN_ADDR maps to tcp.listen_addr.
		section, field := parts[0], strings.Join(parts[1:], "_")
		node, ok := tree[section].(map[string]interface{})
		if !ok {
			node = map[string]interface{}{}
			tree[section] = node
		}
		var parsed interface{}
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		node[field] = parsed
	}

	return yaml.Marshal(tree)
}

func ignoredFlag(f *flag.FlagSet, name, usage string) {
	var ignored string
	f.StringVar(&ignored, name, "", usage)
}
