// Package schedule holds the durable data model of the engine: the
// ScheduleRecord, its queue status, and the Store that persists it.
//
// Stores expose state changes only as guarded conditional updates so
// the queue state machine can rely on compare-and-set semantics (a
// claim is a single UPDATE, never a read-then-write pair).
package schedule
