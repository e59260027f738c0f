// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"os"
	"strings"
	"time"

	envparse "github.com/hashicorp/go-envparse"
	hclog "github.com/hashicorp/go-hclog"
	colorable "github.com/mattn/go-colorable"
	"github.com/posener/complete"

	"github.com/hashicorp/loom/scheduler"
	"github.com/hashicorp/loom/state"
	"github.com/hashicorp/loom/structs"
)

// EnvLogLevel selects the hclog level of the run and status commands.
const EnvLogLevel = "LOOM_LOG_LEVEL"

type RunCommand struct {
	Meta
}

func (c *RunCommand) Help() string {
	helpText := `
Usage: loom run [options]

  Execute one incremental scheduling run: load the working set from the
  state file, solve it wave by wave, write the plan back, and emit the
  result artifacts.

  The scheduling window opens at -start-time; completed and in-progress
  operations are fixed relative to it and everything else is planned
  forward from it.

Run Options:

  -start-time <time>
    Wave origin in "2006-01-02 15:04:05" form, interpreted in local time.
    Required.

  -state-path <path>
    Path to the state file. Defaults to "loom.db".

  -env-file <path>
    Optional env file layered over the process environment before the
    configuration is assembled.

  -output-dir <path>
    Directory receiving the JSON artifacts. Overrides the configured
    default.
`
	return strings.TrimSpace(helpText)
}

func (c *RunCommand) Synopsis() string {
	return "Execute one incremental scheduling run"
}

func (c *RunCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetDefault),
		complete.Flags{
			"-start-time": complete.PredictAnything,
			"-state-path": complete.PredictFiles("*.db"),
			"-env-file":   complete.PredictFiles("*"),
			"-output-dir": complete.PredictDirs("*"),
		})
}

func (c *RunCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RunCommand) Name() string { return "run" }

func (c *RunCommand) Run(args []string) int {
	var startTime, statePath, envFile, outputDir string

	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&startTime, "start-time", "", "")
	flags.StringVar(&statePath, "state-path", "loom.db", "")
	flags.StringVar(&envFile, "env-file", "", "")
	flags.StringVar(&outputDir, "output-dir", "", "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if startTime == "" {
		c.Ui.Error("-start-time is required")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	origin, err := time.ParseInLocation(structs.TimeLayoutSQL, startTime, time.Local)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid -start-time: %v", err))
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	env, err := collectEnv(envFile)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to read env file: %v", err))
		return 1
	}
	cfg, err := structs.ConfigFromEnv(env)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return 1
	}
	cfg.StartTime = origin
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}

	logger := c.logger(env)
	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger: logger,
		Path:   statePath,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to open state file %s: %v", statePath, err))
		return 1
	}
	defer store.Close()

	sessions := func() (scheduler.PlanSession, error) {
		return store.NewSession()
	}
	sched := scheduler.NewIncrementalScheduler(logger, store, sessions, cfg)
	sched.SetProgress(func(format string, a ...interface{}) {
		c.Ui.Output(fmt.Sprintf(format, a...))
	})

	res, err := sched.Run()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Scheduling run failed: %v", err))
		return 1
	}
	if res.Lots == 0 {
		return 0
	}

	c.Ui.Output("")
	c.Ui.Output(formatKV([]string{
		fmt.Sprintf("Plan ID|%s", res.PlanID),
		fmt.Sprintf("Schedule ID|%s", res.ScheduleID),
		fmt.Sprintf("Lots|%d", res.Lots),
		fmt.Sprintf("Waves|%d", res.Waves),
		fmt.Sprintf("Failed Waves|%d", res.FailedWaves),
		fmt.Sprintf("Duration|%s", res.Duration.Round(time.Millisecond)),
	}))

	if res.Partial {
		c.Ui.Warn("Run degraded: some results were not fully persisted, see the log output")
	}
	return 0
}

// logger builds the command's hclog logger on stderr, leaving stdout to the
// progress stream.
func (c *RunCommand) logger(env map[string]string) hclog.Logger {
	level := hclog.Info
	if raw := env[EnvLogLevel]; raw != "" {
		level = hclog.LevelFromString(raw)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "loom",
		Level:  level,
		Output: colorable.NewColorableStderr(),
	})
}

// collectEnv merges the optional env file over the process environment.
func collectEnv(envFile string) (map[string]string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	if envFile == "" {
		return env, nil
	}

	f, err := os.Open(envFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	parsed, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}
	for k, v := range parsed {
		env[k] = v
	}
	return env, nil
}

// mergeAutocompleteFlags is used to join multiple flag completion sets.
func mergeAutocompleteFlags(flags ...complete.Flags) complete.Flags {
	merged := make(map[string]complete.Predictor, len(flags))
	for _, f := range flags {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}
