// Package engine drives one job through the fixed phase pipeline:
//
//	SETUP → IMPLEMENTATION → VERIFICATION → PACKAGING → REVIEW → COMPLETION
//	             ▲                 │                       │
//	             └──── retry ──────┘◄──── review retry ────┘
//
// Each phase is a distinct step type behind an unexported interface. The run
// loop is a type switch over the concrete step and its default branch is
// unreachable.
//
// A run always ends in exactly one of COMPLETED, AWAITING_APPROVAL or FAILED.
// Every implementation attempt, successful or not, produces exactly one
// IterationRecord. Retry feedback travels inside the step values; phases never
// communicate through shared mutable fields.
package engine
