// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// Booking codes encode the display category of a task segment. The ordering
// and colors are shared with the control-panel UI; keep them in sync.
const (
	BookingNewPlan      = 0    // newly scheduled, no prior plan
	BookingWIP          = 1    // in-progress operation
	BookingLocked       = 2    // completed or frozen operation
	BookingPast         = 3    // already behind current time
	BookingReplanned    = 10   // rescheduled, had a prior plan
	BookingFrozenLegacy = 1002 // frozen display variant
	BookingMaintenance  = -1   // PM / maintenance plan
	BookingDown         = -2   // machine down
	BookingReserved0    = -20
	BookingReserved1    = -21
	BookingReserved2    = -22
)

var bookingColors = map[int]string{
	BookingWIP:          "#FFE5B4",
	BookingLocked:       "#00BFFF",
	BookingPast:         "#A9A9A9",
	BookingFrozenLegacy: "#8A2BE2",
	BookingNewPlan:      "#5DC85D",
	BookingReplanned:    "#2C562C",
	BookingMaintenance:  "#FF4500",
	BookingDown:         "#B87333",
	BookingReserved0:    "#808080",
	BookingReserved1:    "#C0C0C0",
	BookingReserved2:    "#FFFDD0",
}

// BookingColor maps a booking code to its display color, with a neutral
// fallback for unknown codes.
func BookingColor(booking int) string {
	if c, ok := bookingColors[booking]; ok {
		return c
	}
	return "#F0F8FF"
}

// BookingForClass derives the booking code of a solved task from its class
// and, for Normal operations, whether the operation carried a prior plan.
func BookingForClass(class OpClass, previouslyPlanned bool) int {
	switch class {
	case OpClassCompleted, OpClassFrozen:
		return BookingLocked
	case OpClassWIP:
		return BookingWIP
	default:
		if previouslyPlanned {
			return BookingReplanned
		}
		return BookingNewPlan
	}
}
