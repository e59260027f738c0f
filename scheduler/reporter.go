// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/loom/structs"
)

// ComputeUtilization aggregates per-group machine utilization over the solved
// window of one run. The window spans the earliest start to the latest end
// across all results; capacity is group size times the window. Every active
// group gets a row, including groups with no assigned work. Returns nil when
// there are no results or the window is empty.
func ComputeUtilization(logger hclog.Logger, groups map[string][]string,
	results map[structs.TaskKey]structs.OpResult, planID string) []*structs.UtilizationRow {

	logger = logger.Named("reporter")

	var (
		haveAny     bool
		windowStart time.Time
		windowEnd   time.Time
	)
	for _, res := range results {
		if !haveAny || res.Start.Before(windowStart) {
			windowStart = res.Start
		}
		if !haveAny || res.End.After(windowEnd) {
			windowEnd = res.End
		}
		haveAny = true
	}
	if !haveAny {
		logger.Debug("no results, skipping utilization")
		return nil
	}
	windowMinutes := structs.MinutesBetween(windowStart, windowEnd)
	if windowMinutes <= 0 {
		logger.Warn("degenerate utilization window, skipping",
			"start", windowStart, "end", windowEnd)
		return nil
	}

	// A machine belongs to the first group that lists it; results on machines
	// outside every group are dropped.
	groupOf := make(map[string]string)
	groupIDs := make([]string, 0, len(groups))
	for gid := range groups {
		groupIDs = append(groupIDs, gid)
	}
	sort.Strings(groupIDs)
	for _, gid := range groupIDs {
		for _, machine := range groups[gid] {
			if _, ok := groupOf[machine]; !ok {
				groupOf[machine] = gid
			}
		}
	}

	used := make(map[string]int, len(groups))
	for _, res := range results {
		gid, ok := groupOf[res.Machine]
		if !ok {
			continue
		}
		if d := structs.MinutesBetween(res.Start, res.End); d > 0 {
			used[gid] += d
		}
	}

	rows := make([]*structs.UtilizationRow, 0, len(groupIDs))
	for _, gid := range groupIDs {
		capacity := len(groups[gid]) * windowMinutes
		row := &structs.UtilizationRow{
			PlanID:          planID,
			GroupId:         gid,
			WindowStart:     windowStart,
			WindowEnd:       windowEnd,
			MachineCount:    len(groups[gid]),
			UsedMinutes:     used[gid],
			CapacityMinutes: capacity,
		}
		if capacity > 0 {
			row.UtilizationRate = float64(used[gid]) / float64(capacity)
		}
		rows = append(rows, row)
	}

	logger.Info("computed utilization",
		"plan_id", planID, "groups", len(rows),
		"window_start", windowStart, "window_end", windowEnd, "window_minutes", windowMinutes)
	return rows
}
