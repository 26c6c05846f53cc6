// Package schedule triggers periodic commands. A trigger only submits a task
// to the command queue; execution, retries and dedup are the queue's job, so a
// trigger that fires while the previous command is still queued is a no-op.
package schedule
