// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/loom/ci"
	"github.com/hashicorp/loom/helper/pointer"
	"github.com/hashicorp/loom/helper/testlog"
	"github.com/hashicorp/loom/structs"
)

func testTime(s string) time.Time {
	t, err := time.Parse(structs.TimeLayoutSQL, s)
	if err != nil {
		panic(err)
	}
	return t
}

func testLot(id string, steps ...string) *structs.Lot {
	lot := &structs.Lot{LotId: id, Priority: 1}
	for i, step := range steps {
		lot.Operations = append(lot.Operations, &structs.Operation{
			LotId:        id,
			Step:         step,
			MachineGroup: "M01",
			Duration:     60,
			Sequence:     i + 1,
		})
	}
	return lot
}

func TestStateStore_UpsertLots(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	lotB := testLot("LOT-B", "STEP1", "STEP2")
	lotA := testLot("LOT-A", "STEP1")
	must.NoError(t, store.UpsertLots([]*structs.Lot{lotB, lotA}))

	out, err := store.Lots(false)
	must.NoError(t, err)
	must.Len(t, 2, out)

	// Sorted by lot id, operations joined in sequence order.
	must.Eq(t, "LOT-A", out[0].LotId)
	must.Eq(t, "LOT-B", out[1].LotId)
	must.Len(t, 2, out[1].Operations)
	must.Eq(t, "STEP1", out[1].Operations[0].Step)
	must.Eq(t, "STEP2", out[1].Operations[1].Step)

	// Reads hand out copies.
	out[1].Operations[0].Duration = 999
	again, err := store.Lot("LOT-B")
	must.NoError(t, err)
	must.Eq(t, 60, again.Operations[0].Duration)
}

func TestStateStore_Lots_ExcludeCompleted(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	done := testLot("LOT-DONE", "STEP1")
	done.ActualFinishDate = pointer.Of(testTime("2026-01-10 08:00:00"))
	open := testLot("LOT-OPEN", "STEP1")
	must.NoError(t, store.UpsertLots([]*structs.Lot{done, open}))

	out, err := store.Lots(true)
	must.NoError(t, err)
	must.Len(t, 1, out)
	must.Eq(t, "LOT-OPEN", out[0].LotId)

	all, err := store.Lots(false)
	must.NoError(t, err)
	must.Len(t, 2, all)
}

func TestStateStore_FrozenOperations(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	frozen := []*structs.FrozenOperation{
		{LotId: "LOT-A", Step: "STEP2", MachineId: "M01-1",
			StartTime: testTime("2026-01-12 09:00:00"),
			EndTime:   testTime("2026-01-12 10:00:00")},
		{LotId: "LOT-B", Step: "STEP1", MachineId: "M02-1",
			StartTime: testTime("2026-01-12 09:00:00"),
			EndTime:   testTime("2026-01-12 09:30:00")},
	}
	must.NoError(t, store.UpsertFrozenOperations(frozen))

	out, err := store.FrozenOperations("LOT-A")
	must.NoError(t, err)
	must.Len(t, 1, out)
	must.Eq(t, "STEP2", out[0].Step)
	must.Eq(t, "M01-1", out[0].MachineId)

	none, err := store.FrozenOperations("LOT-C")
	must.NoError(t, err)
	must.Len(t, 0, none)
}

func TestStateStore_ActiveMachineGroups(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	machines := []*structs.Machine{
		{MachineId: "M01-2", GroupId: "M01", Active: true},
		{MachineId: "M01-1", GroupId: "M01", Active: true},
		{MachineId: "M01-3", GroupId: "M01", Active: false},
		{MachineId: "M02-1", GroupId: "M02", Active: false},
	}
	must.NoError(t, store.UpsertMachines(machines))

	groups, err := store.ActiveMachineGroups()
	must.NoError(t, err)
	must.MapLen(t, 1, groups)
	must.Eq(t, []string{"M01-1", "M01-2"}, groups["M01"])
}

func TestStateStore_Settings(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	_, ok, err := store.Setting(structs.SettingExcludeCompletedLots)
	must.NoError(t, err)
	must.False(t, ok)

	must.NoError(t, store.SetSetting(structs.SettingExcludeCompletedLots, "true"))
	v, ok, err := store.SettingBool(structs.SettingExcludeCompletedLots)
	must.NoError(t, err)
	must.True(t, ok)
	must.True(t, v)

	must.NoError(t, store.SetSetting(structs.SettingExcludeCompletedLots, "junk"))
	_, ok, err = store.SettingBool(structs.SettingExcludeCompletedLots)
	must.NoError(t, err)
	must.False(t, ok)
}

func TestStateStore_Session_UpdatePlanResults(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	must.NoError(t, store.UpsertLots([]*structs.Lot{testLot("LOT-A", "STEP1", "STEP2")}))

	session, err := store.NewSession()
	must.NoError(t, err)
	defer session.Close()

	start := testTime("2026-01-12 08:00:00")
	end := testTime("2026-01-12 09:00:00")
	opUps := []*structs.OpPlanUpdate{{
		LotId: "LOT-A", Step: "STEP1", Start: start, End: end, Machine: "M01-1",
		History: &structs.PlanRecord{
			PlanID:           "PLAN_1",
			PlanCheckInTime:  &start,
			PlanCheckOutTime: &end,
			PlanMachineId:    "M01-1",
			CreatedAt:        end,
		},
	}}
	lotUps := []*structs.LotPlanUpdate{{
		LotId:          "LOT-A",
		PlanStartTime:  start,
		PlanFinishDate: end,
		DelayDays:      pointer.Of(1.5),
	}}
	must.NoError(t, session.UpdatePlanResults(lotUps, opUps))

	lot, err := store.Lot("LOT-A")
	must.NoError(t, err)
	must.NotNil(t, lot.PlanStartTime)
	must.Eq(t, start, *lot.PlanStartTime)
	must.Eq(t, 1.5, *lot.DelayDays)

	op := lot.Operations[0]
	must.True(t, op.Planned())
	must.Eq(t, "M01-1", op.PlanMachineId)
	must.Len(t, 1, op.PlanHistory)
	must.Eq(t, "PLAN_1", op.PlanHistory[0].PlanID)

	// A second run appends history rather than replacing it.
	opUps[0].History.PlanID = "PLAN_2"
	must.NoError(t, session.UpdatePlanResults(nil, opUps))
	lot, err = store.Lot("LOT-A")
	must.NoError(t, err)
	must.Len(t, 2, lot.Operations[0].PlanHistory)
	must.Eq(t, "PLAN_2", lot.Operations[0].PlanHistory[1].PlanID)
}

func TestStateStore_Session_MissingOperation(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	must.NoError(t, store.UpsertLots([]*structs.Lot{testLot("LOT-A", "STEP1")}))

	session, err := store.NewSession()
	must.NoError(t, err)

	start := testTime("2026-01-12 08:00:00")
	opUps := []*structs.OpPlanUpdate{
		{LotId: "LOT-A", Step: "STEP1", Start: start, End: start.Add(time.Hour), Machine: "M01-1"},
		{LotId: "LOT-A", Step: "STEP9", Start: start, End: start.Add(time.Hour), Machine: "M01-1"},
	}
	err = session.UpdatePlanResults(nil, opUps)
	must.ErrorContains(t, err, "STEP9")

	// The whole chunk aborted; the first op stays unplanned.
	lot, err := store.Lot("LOT-A")
	must.NoError(t, err)
	must.False(t, lot.Operations[0].Planned())
}

func TestStateStore_JobHistories(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	base := testTime("2026-01-12 08:00:00")
	for i := 0; i < 3; i++ {
		must.NoError(t, store.SaveJobHistory(&structs.JobHistory{
			ScheduleId: "SCH_INC_" + string(rune('a'+i)),
			CreatedBy:  "scheduler",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	out, err := store.JobHistories(2)
	must.NoError(t, err)
	must.Len(t, 2, out)
	must.Eq(t, "SCH_INC_c", out[0].ScheduleId)
	must.Eq(t, "SCH_INC_b", out[1].ScheduleId)
}

func TestStateStore_Utilization(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rows := []*structs.UtilizationRow{
		{PlanID: "PLAN_1", GroupId: "M02", MachineCount: 2, UsedMinutes: 60, CapacityMinutes: 240, UtilizationRate: 0.25},
		{PlanID: "PLAN_1", GroupId: "M01", MachineCount: 3, UsedMinutes: 90, CapacityMinutes: 360, UtilizationRate: 0.25},
		{PlanID: "PLAN_2", GroupId: "M01", MachineCount: 3, UsedMinutes: 0, CapacityMinutes: 360, UtilizationRate: 0},
	}
	must.NoError(t, store.SaveUtilization(rows))

	out, err := store.Utilization("PLAN_1")
	must.NoError(t, err)
	must.Len(t, 2, out)
	must.Eq(t, "M01", out[0].GroupId)
	must.Eq(t, "M02", out[1].GroupId)
	must.Eq(t, 0.25, out[0].UtilizationRate)
}

func TestStateStore_PersistRestore(t *testing.T) {
	ci.Parallel(t)

	path := filepath.Join(t.TempDir(), "loom.db")
	open := func() *StateStore {
		store, err := NewStateStore(&StateStoreConfig{
			Logger: testlog.HCLogger(t),
			Path:   path,
		})
		must.NoError(t, err)
		return store
	}

	store := open()
	lot := testLot("LOT-A", "STEP1", "STEP2")
	lot.DueDate = pointer.Of(testTime("2026-01-20 00:00:00"))
	must.NoError(t, store.UpsertLots([]*structs.Lot{lot}))
	must.NoError(t, store.UpsertMachines([]*structs.Machine{
		{MachineId: "M01-1", GroupId: "M01", Active: true},
	}))
	must.NoError(t, store.SetSetting("k", "v"))

	session, err := store.NewSession()
	must.NoError(t, err)
	start := testTime("2026-01-12 08:00:00")
	must.NoError(t, session.UpdatePlanResults(nil, []*structs.OpPlanUpdate{{
		LotId: "LOT-A", Step: "STEP1",
		Start: start, End: start.Add(time.Hour), Machine: "M01-1",
		History: &structs.PlanRecord{PlanID: "PLAN_1", CreatedAt: start},
	}}))
	must.NoError(t, store.Close())

	restored := open()
	defer restored.Close()

	got, err := restored.Lot("LOT-A")
	must.NoError(t, err)
	must.NotNil(t, got)
	must.Len(t, 2, got.Operations)
	must.True(t, got.Operations[0].Planned())
	must.Len(t, 1, got.Operations[0].PlanHistory)
	must.NotNil(t, got.DueDate)
	must.True(t, got.DueDate.Equal(testTime("2026-01-20 00:00:00")))

	groups, err := restored.ActiveMachineGroups()
	must.NoError(t, err)
	must.Eq(t, []string{"M01-1"}, groups["M01"])

	v, ok, err := restored.Setting("k")
	must.NoError(t, err)
	must.True(t, ok)
	must.Eq(t, "v", v)
}

func TestStateStore_UnavailablePeriods_AssignID(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	must.NoError(t, store.UpsertUnavailablePeriods([]*structs.UnavailablePeriod{
		{MachineId: "M01-1", PeriodType: structs.PeriodTypePM, Status: structs.PeriodStatusActive},
		{ID: "FIXED", MachineId: "M01-2", Status: structs.PeriodStatusActive},
	}))

	periods, err := store.UnavailablePeriods()
	must.NoError(t, err)
	must.Len(t, 2, periods)

	var sawFixed, sawGenerated bool
	for _, p := range periods {
		switch {
		case p.ID == "FIXED":
			sawFixed = true
		case p.ID != "":
			sawGenerated = true
		}
	}
	must.True(t, sawFixed)
	must.True(t, sawGenerated)
}
