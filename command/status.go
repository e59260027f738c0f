// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/hashicorp/loom/state"
)

type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: loom status [options]

  Display the most recent scheduling runs recorded in the state file,
  newest first.

Status Options:

  -state-path <path>
    Path to the state file. Defaults to "loom.db".

  -n <count>
    Number of runs to display. Defaults to 5.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display recent scheduling runs"
}

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetDefault),
		complete.Flags{
			"-state-path": complete.PredictFiles("*.db"),
			"-n":          complete.PredictAnything,
		})
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	var statePath string
	var limit int

	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&statePath, "state-path", "loom.db", "")
	flags.IntVar(&limit, "n", 5, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger: hclog.NewNullLogger(),
		Path:   statePath,
	})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to open state file %s: %v", statePath, err))
		return 1
	}
	defer store.Close()

	histories, err := store.JobHistories(limit)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to read run history: %v", err))
		return 1
	}
	if len(histories) == 0 {
		c.Ui.Output("No scheduling runs found")
		return 0
	}

	out := make([]string, 0, len(histories)+1)
	out = append(out, "Schedule ID|Created|Created By|Summary")
	for _, jh := range histories {
		out = append(out, fmt.Sprintf("%s|%s (%s)|%s|%s",
			jh.ScheduleId,
			formatTime(jh.CreatedAt),
			humanize.Time(jh.CreatedAt),
			jh.CreatedBy,
			jh.PlanSummary))
	}
	c.Ui.Output(formatList(out))
	return 0
}
