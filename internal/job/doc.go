// Package job defines the persisted records that the orchestration engine
// drives: the Job itself, the repository policy that governs it, the
// per-attempt IterationRecord and the append-only AuditEntry log.
//
// A Job moves through these statuses:
//
//	PENDING ──► BLOCKED ──► QUEUED ──► DISPATCHED ──► IN_PROGRESS ──► COMPLETED
//	   │           ▲           │                            │     ├──► AWAITING_APPROVAL
//	   └───────────┴───────────┘                            │     └──► FAILED (cooldown)
//	                                                        ▼
//	                                                  CurrentPhase set
//
// COMPLETED, AWAITING_APPROVAL and FAILED are terminal. A FAILED job only
// returns to PENDING through a human override.
package job
