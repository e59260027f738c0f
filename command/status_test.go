// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/loom/ci"
	"github.com/hashicorp/loom/helper/testlog"
	"github.com/hashicorp/loom/state"
	"github.com/hashicorp/loom/structs"
)

func TestStatusCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &StatusCommand{}
}

func TestStatusCommand_Empty(t *testing.T) {
	ci.Parallel(t)

	statePath := filepath.Join(t.TempDir(), "loom.db")
	ui := cli.NewMockUi()
	cmd := &StatusCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 0, cmd.Run([]string{"-state-path", statePath}))
	must.StrContains(t, ui.OutputWriter.String(), "No scheduling runs found")
}

func TestStatusCommand_Runs(t *testing.T) {
	ci.Parallel(t)

	statePath := filepath.Join(t.TempDir(), "loom.db")
	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger: testlog.HCLogger(t),
		Path:   statePath,
	})
	must.NoError(t, err)
	for i, id := range []string{"SCH_INC_100", "SCH_INC_200", "SCH_INC_300"} {
		must.NoError(t, store.SaveJobHistory(&structs.JobHistory{
			ScheduleId:  id,
			CreatedBy:   "SYSTEM",
			PlanSummary: "Incremental Schedule - 2 lots",
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}
	must.NoError(t, store.Close())

	ui := cli.NewMockUi()
	cmd := &StatusCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 0, cmd.Run([]string{"-state-path", statePath, "-n", "2"}))

	out := ui.OutputWriter.String()
	must.StrContains(t, out, "SCH_INC_300")
	must.StrContains(t, out, "SCH_INC_200")
	must.StrNotContains(t, out, "SCH_INC_100")
	must.StrContains(t, out, "Incremental Schedule - 2 lots")
}

func TestStatusCommand_Fails(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &StatusCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 1, cmd.Run([]string{"extra", "args"}))
	must.StrContains(t, ui.ErrorWriter.String(), "takes no arguments")
}
