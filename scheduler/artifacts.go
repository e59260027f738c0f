// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/loom/structs"
)

// Artifact file names, shared with the control-panel importer.
const (
	fileRawSnapshot = "LotPlanRaw.json"
	fileStepResult  = "LotStepResult.json"
	filePlanResult  = "LotPlanResult.json"
	fileTaskSegment = "machineTaskSegment.json"
)

const (
	indentRaw      = "  "
	indentArtifact = "    "
)

// Emitter writes the run's JSON artifacts into the output directory.
type Emitter struct {
	logger hclog.Logger
	dir    string
}

func NewEmitter(logger hclog.Logger, dir string) *Emitter {
	return &Emitter{
		logger: logger.Named("artifacts"),
		dir:    dir,
	}
}

// ArtifactInput carries everything the result documents are derived from.
type ArtifactInput struct {
	Jobs        []*structs.Job
	Results     map[structs.TaskKey]structs.OpResult
	Unavailable map[string][]*structs.UnavailablePeriod
	CalcStart   time.Time
	CalcEnd     time.Time
}

// ArtifactDocs holds the marshaled result documents; the run history record
// persists the same bytes that went to disk.
type ArtifactDocs struct {
	Step    []byte
	Plan    []byte
	Segment []byte
}

// stepRow is one line of LotStepResult.json. StepIdx is 1-based.
type stepRow struct {
	LotId    string `json:"LotId"`
	Product  string `json:"Product"`
	Priority int    `json:"Priority"`
	StepIdx  int    `json:"StepIdx"`
	Step     string `json:"Step"`
	Machine  string `json:"Machine"`
	Start    string `json:"Start"`
	End      string `json:"End"`
	Booking  int    `json:"Booking"`
}

type planStatistics struct {
	OptimizationType    string `json:"optimization_type"`
	BatchCount          int    `json:"batch_count"`
	CalculationDuration string `json:"calculation_duration"`
	CalculationEnd      string `json:"calculation_end"`
}

// planLotRow is one lot_results entry. DueDate and ActualFinishDate are
// pointers so absent values serialize as null, which the control-panel
// importer distinguishes from an empty string.
type planLotRow struct {
	Lot              string  `json:"Lot"`
	Product          string  `json:"Product"`
	Priority         int     `json:"Priority"`
	DueDate          *string `json:"DueDate"`
	PlanFinishDate   string  `json:"PlanFinishDate"`
	ActualFinishDate *string `json:"ActualFinishDate"`
	DelayTime        string  `json:"delay time"`
}

type planDoc struct {
	Statistics planStatistics `json:"statistics"`
	LotResults []planLotRow   `json:"lot_results"`
}

// segmentRow is one Gantt row of machineTaskSegment.json: a machine header
// (Parent nil, Render "split") or a child bar under it.
type segmentRow struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Parent    *string `json:"parent"`
	Render    string  `json:"render,omitempty"`
	StartDate string  `json:"start_date,omitempty"`
	EndDate   string  `json:"end_date,omitempty"`
	Booking   *int    `json:"Booking,omitempty"`
	Color     string  `json:"color,omitempty"`
}

// WriteRawSnapshot writes the pre-solve snapshot document.
func (e *Emitter) WriteRawSnapshot(raw []byte) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return structs.NewArtifactError(err)
	}
	path := filepath.Join(e.dir, fileRawSnapshot)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return structs.NewArtifactError(err)
	}
	e.logger.Debug("wrote raw snapshot", "path", path, "bytes", len(raw))
	return nil
}

// Emit builds the three result documents and writes them concurrently. The
// returned docs are valid only when err is nil.
func (e *Emitter) Emit(in *ArtifactInput) (*ArtifactDocs, error) {
	stepJSON, err := json.MarshalIndent(buildStepRows(in), "", indentArtifact)
	if err != nil {
		return nil, structs.NewArtifactError(err)
	}
	planJSON, err := json.MarshalIndent(buildPlanDoc(in), "", indentArtifact)
	if err != nil {
		return nil, structs.NewArtifactError(err)
	}
	segJSON, err := json.MarshalIndent(buildSegmentRows(in), "", indentArtifact)
	if err != nil {
		return nil, structs.NewArtifactError(err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, structs.NewArtifactError(err)
	}
	var g errgroup.Group
	for _, f := range []struct {
		name string
		data []byte
	}{
		{fileStepResult, stepJSON},
		{filePlanResult, planJSON},
		{fileTaskSegment, segJSON},
	} {
		g.Go(func() error {
			if err := os.WriteFile(filepath.Join(e.dir, f.name), f.data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", f.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, structs.NewArtifactError(err)
	}

	e.logger.Info("wrote result artifacts", "dir", e.dir,
		"step_bytes", len(stepJSON), "plan_bytes", len(planJSON), "segment_bytes", len(segJSON))
	return &ArtifactDocs{Step: stepJSON, Plan: planJSON, Segment: segJSON}, nil
}

func buildStepRows(in *ArtifactInput) []stepRow {
	rows := make([]stepRow, 0, len(in.Results))
	for _, job := range in.Jobs {
		for i, cop := range job.Ops {
			key := structs.TaskKey{LotId: job.Lot.LotId, Step: cop.Op.Step}
			res, ok := in.Results[key]
			if !ok {
				continue
			}
			rows = append(rows, stepRow{
				LotId:    job.Lot.LotId,
				Product:  "",
				Priority: job.Lot.Priority,
				StepIdx:  i + 1,
				Step:     cop.Op.Step,
				Machine:  res.Machine,
				Start:    res.Start.Format(structs.TimeLayoutISO),
				End:      res.End.Format(structs.TimeLayoutISO),
				Booking:  structs.BookingForClass(cop.Class, cop.PreviouslyPlanned),
			})
		}
	}
	return rows
}

func buildPlanDoc(in *ArtifactInput) *planDoc {
	doc := &planDoc{
		Statistics: planStatistics{
			OptimizationType:    "incremental_scheduling",
			BatchCount:          len(in.Jobs),
			CalculationDuration: formatDuration(in.CalcEnd.Sub(in.CalcStart)),
			CalculationEnd:      in.CalcEnd.Format(structs.TimeLayoutISO),
		},
		LotResults: []planLotRow{},
	}

	for _, job := range in.Jobs {
		var (
			haveAny bool
			finish  time.Time
		)
		for _, cop := range job.Ops {
			key := structs.TaskKey{LotId: job.Lot.LotId, Step: cop.Op.Step}
			if res, ok := in.Results[key]; ok {
				if !haveAny || res.End.After(finish) {
					finish = res.End
				}
				haveAny = true
			}
		}
		if !haveAny {
			continue
		}

		doc.LotResults = append(doc.LotResults, planLotRow{
			Lot:              job.Lot.LotId,
			Product:          "",
			Priority:         job.Lot.Priority,
			DueDate:          fmtTimePtr(job.Lot.DueDate),
			PlanFinishDate:   finish.Format(structs.TimeLayoutISO),
			ActualFinishDate: fmtTimePtr(job.Lot.ActualFinishDate),
			DelayTime:        delayString(finish, job.Lot.DueDate),
		})
	}
	return doc
}

func buildSegmentRows(in *ArtifactInput) []segmentRow {
	type task struct {
		key structs.TaskKey
		res structs.OpResult
		cop *structs.ClassifiedOp
	}
	byMachine := make(map[string][]task)
	for _, job := range in.Jobs {
		for _, cop := range job.Ops {
			key := structs.TaskKey{LotId: job.Lot.LotId, Step: cop.Op.Step}
			res, ok := in.Results[key]
			if !ok || res.Machine == "" || !res.End.After(res.Start) {
				continue
			}
			byMachine[res.Machine] = append(byMachine[res.Machine], task{key: key, res: res, cop: cop})
		}
	}

	machines := make([]string, 0, len(byMachine))
	for m := range byMachine {
		machines = append(machines, m)
	}
	for m := range in.Unavailable {
		if _, ok := byMachine[m]; !ok {
			machines = append(machines, m)
		}
	}
	sort.Strings(machines)

	var rows []segmentRow
	for _, m := range machines {
		machine := m
		rows = append(rows, segmentRow{
			ID:     machine,
			Text:   machine,
			Parent: nil,
			Render: "split",
		})

		for _, p := range in.Unavailable[machine] {
			booking := structs.BookingMaintenance
			rows = append(rows, segmentRow{
				ID:        fmt.Sprintf("%s_u_%s", machine, p.ID),
				Text:      fmt.Sprintf("%s: %s", p.PeriodType, p.Reason),
				Parent:    &machine,
				StartDate: p.StartTime.Format(structs.TimeLayoutISO),
				EndDate:   p.EndTime.Format(structs.TimeLayoutISO),
				Booking:   &booking,
				Color:     structs.BookingColor(booking),
			})
		}

		tasks := byMachine[machine]
		sort.Slice(tasks, func(i, j int) bool {
			if !tasks[i].res.Start.Equal(tasks[j].res.Start) {
				return tasks[i].res.Start.Before(tasks[j].res.Start)
			}
			return tasks[i].key.String() < tasks[j].key.String()
		})
		for _, t := range tasks {
			booking := structs.BookingForClass(t.cop.Class, t.cop.PreviouslyPlanned)
			rows = append(rows, segmentRow{
				ID:        fmt.Sprintf("%s_%s_%s", machine, t.key.LotId, t.key.Step),
				Text:      fmt.Sprintf("%s %s", t.key.LotId, t.key.Step),
				Parent:    &machine,
				StartDate: t.res.Start.Format(structs.TimeLayoutISO),
				EndDate:   t.res.End.Format(structs.TimeLayoutISO),
				Booking:   &booking,
				Color:     structs.BookingColor(booking),
			})
		}
	}
	return rows
}

// rawLot mirrors the loaded lot for the pre-solve snapshot.
type rawLot struct {
	LotId         string  `json:"LotId"`
	Priority      int     `json:"Priority"`
	DueDate       *string `json:"DueDate"`
	PlanStartTime *string `json:"PlanStartTime"`
	LotCreateDate *string `json:"LotCreateDate"`
	Operations    []rawOp `json:"Operations"`
}

type rawOp struct {
	Step             string  `json:"Step"`
	MachineGroup     string  `json:"MachineGroup"`
	Duration         int     `json:"Duration"`
	Sequence         int     `json:"Sequence"`
	StepStatus       int     `json:"StepStatus"`
	Class            string  `json:"Class"`
	PlanMachineId    string  `json:"PlanMachineId"`
	PlanCheckInTime  *string `json:"PlanCheckInTime"`
	PlanCheckOutTime *string `json:"PlanCheckOutTime"`
}

// marshalRawSnapshot projects the loaded working set into the snapshot
// document stored under the PlanID and written as LotPlanRaw.json.
func marshalRawSnapshot(jobs []*structs.Job) ([]byte, error) {
	lots := make([]rawLot, 0, len(jobs))
	for _, job := range jobs {
		rl := rawLot{
			LotId:         job.Lot.LotId,
			Priority:      job.Lot.Priority,
			DueDate:       fmtTimePtr(job.Lot.DueDate),
			PlanStartTime: fmtTimePtr(job.Lot.PlanStartTime),
			LotCreateDate: fmtTimePtr(job.Lot.LotCreateDate),
			Operations:    make([]rawOp, 0, len(job.Ops)),
		}
		for _, cop := range job.Ops {
			op := cop.Op
			rl.Operations = append(rl.Operations, rawOp{
				Step:             op.Step,
				MachineGroup:     op.MachineGroup,
				Duration:         op.Duration,
				Sequence:         op.Sequence,
				StepStatus:       int(op.StepStatus),
				Class:            cop.Class.String(),
				PlanMachineId:    op.PlanMachineId,
				PlanCheckInTime:  fmtTimePtr(op.PlanCheckInTime),
				PlanCheckOutTime: fmtTimePtr(op.PlanCheckOutTime),
			})
		}
		lots = append(lots, rl)
	}
	return json.MarshalIndent(lots, "", indentRaw)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(structs.TimeLayoutISO)
	return &s
}

// delayString renders the finish-versus-due difference as "days:HH". A finish
// past the due date is positive; at or before it the string is negative, so
// an exactly on-time lot reads "-0:00". A lot without a due date counts as
// on time.
func delayString(finish time.Time, due *time.Time) string {
	ref := finish
	if due != nil {
		ref = *due
	}
	diff := finish.Sub(ref)

	sign := "-"
	if diff > 0 {
		sign = ""
	} else {
		diff = -diff
	}
	days := int(diff / (24 * time.Hour))
	hours := int(diff % (24 * time.Hour) / time.Hour)
	return fmt.Sprintf("%s%d:%02d", sign, days, hours)
}

// formatDuration renders a wall-clock duration as H:MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total/60%60, total%60)
}
