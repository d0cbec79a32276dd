package engine

import (
	"taskctl/internal/queue"
	"taskctl/internal/resourcegroup"
	"taskctl/internal/run"
)

// groupLookup resolves a run's job to its declared resource_group name.
type groupLookup func(jobID string) (group string, ok bool)

// buildAdmitFunc closes over the current mode and resource-group table to
// produce the predicate PopBestAdmissible scans the queue with. In SINGLE
// mode, at most one run may be running system-wide regardless of group
// capacity; group admission is still checked underneath so SINGLE never
// violates a group's own cap either. A run whose job vanished from the
// catalog since it was enqueued is never admitted.
func buildAdmitFunc(mode Mode, groups *resourcegroup.Table, runningTotal func() int, lookup groupLookup) queue.AdmitFunc {
	return func(r *run.Run) bool {
		if mode == ModeSingle && runningTotal() > 0 {
			return false
		}
		group, ok := lookup(r.JobID)
		if !ok {
			return false
		}
		return groups.TryAcquire(group, resourcegroup.RunID(r.ID))
	}
}
