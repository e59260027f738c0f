// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the domain types shared by the loom state store,
// scheduler, and command surfaces.
package structs

import (
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

const (
	// TimeLayoutISO is the local-naive seconds-precision layout used in the
	// JSON artifacts and plan history entries.
	TimeLayoutISO = "2006-01-02T15:04:05"

	// TimeLayoutSQL is the layout used for CLI input and store-facing
	// timestamps.
	TimeLayoutSQL = "2006-01-02 15:04:05"
)

// MsgpackHandle is shared by the state store for encoding rows into the
// durable backend.
var MsgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.MapType = nil
	return h
}()

// StepStatus is the externally driven lifecycle state of an operation. The
// clock simulator advances it; the scheduler only reads it.
type StepStatus int

const (
	StepStatusNewAdd StepStatus = 0
	StepStatusWIP    StepStatus = 1
	StepStatusDone   StepStatus = 2
)

func (s StepStatus) String() string {
	switch s {
	case StepStatusNewAdd:
		return "new"
	case StepStatusWIP:
		return "wip"
	case StepStatusDone:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// OpClass is the scheduler-side classification of an operation for one run.
// It decides how the model builder treats the operation.
type OpClass int

const (
	OpClassNormal OpClass = iota
	OpClassWIP
	OpClassCompleted
	OpClassFrozen
)

func (c OpClass) String() string {
	switch c {
	case OpClassNormal:
		return "Normal"
	case OpClassWIP:
		return "WIP"
	case OpClassCompleted:
		return "Completed"
	case OpClassFrozen:
		return "Frozen"
	default:
		return fmt.Sprintf("OpClass(%d)", int(c))
	}
}

// Fixed reports whether operations of this class are immutable for the run.
func (c OpClass) Fixed() bool {
	return c != OpClassNormal
}

// Lot is a production work unit flowing through an ordered sequence of
// operations.
type Lot struct {
	LotId            string
	Priority         int
	DueDate          *time.Time
	ActualFinishDate *time.Time
	PlanFinishDate   *time.Time
	PlanStartTime    *time.Time
	LotCreateDate    *time.Time
	DelayDays        *float64

	// Operations is ordered strictly by Sequence.
	Operations []*Operation
}

// Copy returns a deep copy of the lot.
func (l *Lot) Copy() *Lot {
	if l == nil {
		return nil
	}
	nl := new(Lot)
	*nl = *l
	nl.DueDate = timePtrCopy(l.DueDate)
	nl.ActualFinishDate = timePtrCopy(l.ActualFinishDate)
	nl.PlanFinishDate = timePtrCopy(l.PlanFinishDate)
	nl.PlanStartTime = timePtrCopy(l.PlanStartTime)
	nl.LotCreateDate = timePtrCopy(l.LotCreateDate)
	if l.DelayDays != nil {
		d := *l.DelayDays
		nl.DelayDays = &d
	}
	nl.Operations = make([]*Operation, len(l.Operations))
	for i, op := range l.Operations {
		nl.Operations[i] = op.Copy()
	}
	return nl
}

// LastStep returns the step label of the lot's final operation, or "" for a
// lot with no operations.
func (l *Lot) LastStep() string {
	if len(l.Operations) == 0 {
		return ""
	}
	return l.Operations[len(l.Operations)-1].Step
}

// TotalDuration returns the sum of the lot's operation durations in minutes.
func (l *Lot) TotalDuration() int {
	var total int
	for _, op := range l.Operations {
		total += op.Duration
	}
	return total
}

// ReleaseMinutes derives the lot's release time in minutes from origin. The
// first defined of PlanStartTime and LotCreateDate wins; a release in the
// past clamps to zero.
func (l *Lot) ReleaseMinutes(origin time.Time) int {
	var target *time.Time
	switch {
	case l.PlanStartTime != nil:
		target = l.PlanStartTime
	case l.LotCreateDate != nil:
		target = l.LotCreateDate
	default:
		return 0
	}
	return max(0, MinutesBetween(origin, *target))
}

// Operation is one step of a lot, demanding a machine from a named group for
// an integer number of minutes.
type Operation struct {
	LotId        string
	Step         string
	MachineGroup string
	Duration     int // minutes
	Sequence     int
	StepStatus   StepStatus

	// Actuals, owned by the clock simulator.
	CheckInTime  *time.Time
	CheckOutTime *time.Time

	// Planned fields, owned by the scheduler's result writer.
	PlanCheckInTime  *time.Time
	PlanCheckOutTime *time.Time
	PlanMachineId    string

	// PlanHistory is append-only across runs.
	PlanHistory []*PlanRecord
}

// Copy returns a deep copy of the operation.
func (o *Operation) Copy() *Operation {
	if o == nil {
		return nil
	}
	no := new(Operation)
	*no = *o
	no.CheckInTime = timePtrCopy(o.CheckInTime)
	no.CheckOutTime = timePtrCopy(o.CheckOutTime)
	no.PlanCheckInTime = timePtrCopy(o.PlanCheckInTime)
	no.PlanCheckOutTime = timePtrCopy(o.PlanCheckOutTime)
	no.PlanHistory = make([]*PlanRecord, len(o.PlanHistory))
	for i, h := range o.PlanHistory {
		rec := *h
		no.PlanHistory[i] = &rec
	}
	return no
}

// Planned reports whether the operation carries a complete planned
// assignment (times and machine).
func (o *Operation) Planned() bool {
	return o.PlanCheckInTime != nil && o.PlanCheckOutTime != nil && o.PlanMachineId != ""
}

// PlanRecord is one entry of an operation's plan history.
type PlanRecord struct {
	PlanID           string     `json:"PlanID"`
	PlanCheckInTime  *time.Time `json:"PlanCheckInTime"`
	PlanCheckOutTime *time.Time `json:"PlanCheckOutTime"`
	PlanMachineId    string     `json:"PlanMachineId"`
	CreatedAt        time.Time  `json:"CreatedAt"`
}

// FrozenOperation pins an operation to an explicit machine and time window
// ahead of a run. Frozen entries live in their own record set and are merged
// into lots by the loader.
type FrozenOperation struct {
	LotId     string
	Step      string
	MachineId string
	StartTime time.Time
	EndTime   time.Time
}

// FixedInterval is the absolute-time occupancy of a Completed, WIP, or
// Frozen operation.
type FixedInterval struct {
	Start   time.Time
	End     time.Time
	Machine string
}

// ClassifiedOp pairs an operation with its scheduler classification and the
// class-specific payload. The model builder dispatches on Class.
type ClassifiedOp struct {
	Op    *Operation
	Class OpClass

	// Fixed is set for Completed and Frozen operations.
	Fixed *FixedInterval

	// ElapsedMinutes is set for WIP operations: minutes between the actual
	// check-in and the wave origin, clamped at zero.
	ElapsedMinutes int

	// PreviouslyPlanned is set for Normal operations that already carried a
	// plan from an earlier run. It selects the artifact booking code.
	PreviouslyPlanned bool
}

// Job is the loader's working-set view of one lot: the lot plus its
// classified operations, ordered by Sequence.
type Job struct {
	Lot *Lot
	Ops []*ClassifiedOp
}

// Op returns the classified operation for a step label, or nil.
func (j *Job) Op(step string) *ClassifiedOp {
	for _, op := range j.Ops {
		if op.Op.Step == step {
			return op
		}
	}
	return nil
}

// Machine is a single schedulable resource belonging to a machine group.
type Machine struct {
	MachineId string
	GroupId   string
	Active    bool
}

// Unavailable period types. Anything else passes through untyped.
const (
	PeriodTypePM       = "PM"
	PeriodTypeBreak    = "BREAK"
	PeriodTypeDowntime = "DOWNTIME"
	PeriodTypeReserved = "RESERVED"
)

// PeriodStatusActive marks unavailability windows that participate in
// scheduling.
const PeriodStatusActive = "ACTIVE"

// UnavailablePeriod blocks one machine for a time window. A period may carry
// a cron Recurrence, in which case the loader expands occurrences of
// DurationMinutes length inside the scheduling window.
type UnavailablePeriod struct {
	ID         string
	MachineId  string
	StartTime  time.Time
	EndTime    time.Time
	PeriodType string
	Reason     string
	Status     string
	Priority   int

	// Recurrence is an optional cron expression; DurationMinutes sizes each
	// occurrence.
	Recurrence      string
	DurationMinutes int
}

// Copy returns a copy of the period.
func (u *UnavailablePeriod) Copy() *UnavailablePeriod {
	if u == nil {
		return nil
	}
	nu := new(UnavailablePeriod)
	*nu = *u
	return nu
}

// Setting is a named store-side configuration value shared with the control
// panel.
type Setting struct {
	Name  string
	Value string
}

// SettingExcludeCompletedLots toggles whether the loader skips lots with an
// ActualFinishDate.
const SettingExcludeCompletedLots = "scheduler_exclude_completed_lots"

// TaskKey identifies one operation across the engine's maps.
type TaskKey struct {
	LotId string
	Step  string
}

func (k TaskKey) String() string {
	return k.LotId + "/" + k.Step
}

// SolvedInterval is the integer-minute result of one operation carried into
// subsequent waves as a fixed interval.
type SolvedInterval struct {
	StartMin int
	EndMin   int
	Machine  string
}

// OpResult is the absolute-time result of one operation, used for writeback
// and artifacts.
type OpResult struct {
	Start   time.Time
	End     time.Time
	Machine string
}

// OpPlanUpdate is the per-operation writeback payload.
type OpPlanUpdate struct {
	LotId   string
	Step    string
	Start   time.Time
	End     time.Time
	Machine string

	// History is the entry appended to the operation's PlanHistory in the
	// same transaction that writes the planned fields.
	History *PlanRecord
}

// LotPlanUpdate is the per-lot writeback payload.
type LotPlanUpdate struct {
	LotId          string
	PlanStartTime  time.Time
	PlanFinishDate time.Time
	DelayDays      *float64
}

// PlanRaw snapshots the loaded jobs under a fresh PlanID before solving.
type PlanRaw struct {
	PlanID    string
	RawData   []byte
	CreatedAt time.Time
}

// JobHistory is the persisted record of one completed scheduling run,
// keyed by a fresh ScheduleId.
type JobHistory struct {
	ScheduleId  string
	CreatedBy   string
	PlanSummary string
	RawJSON     []byte
	ResultJSON  []byte
	StepJSON    []byte
	SegmentJSON []byte
	CreatedAt   time.Time
}

// UtilizationRow is one per-group utilization measurement over a solved
// window, persisted with the run's PlanID.
type UtilizationRow struct {
	PlanID          string
	GroupId         string
	WindowStart     time.Time
	WindowEnd       time.Time
	MachineCount    int
	UsedMinutes     int
	CapacityMinutes int

	// UtilizationRate is a fraction in [0, 1].
	UtilizationRate float64
}

// MinutesBetween returns the whole minutes from a to b, truncated toward
// zero, negative when b precedes a.
func MinutesBetween(a, b time.Time) int {
	return int(b.Sub(a).Minutes())
}

// SortLots orders lots by LotId, the natural loader ordering the wave
// scheduler batches on.
func SortLots(lots []*Lot) {
	slices.SortFunc(lots, func(a, b *Lot) int {
		switch {
		case a.LotId < b.LotId:
			return -1
		case a.LotId > b.LotId:
			return 1
		default:
			return 0
		}
	})
}

func timePtrCopy(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}
