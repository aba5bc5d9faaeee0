// Package admission decides which jobs start, and when.
//
// A Controller runs one cycle per poll interval, or sooner when triggered.
// Each cycle, in order:
//
//  1. re-checks BLOCKED jobs and promotes those whose blockers resolved
//  2. returns jobs stuck in DISPATCHED past the grace period to QUEUED
//  3. drains at most one QUEUED job per repository whose gate is clear,
//     picking it in dependency order
//  4. classifies PENDING jobs and new candidates, dispatching while global
//     capacity remains
//
// The per-repository gate is clear when no job of the repository is active
// and the tracker shows no open, unfinalized pull request on an issuepilot
// branch. The check reads external state, so two controllers racing can
// both pass it; the duplicate is reconciled on a later cycle.
package admission
