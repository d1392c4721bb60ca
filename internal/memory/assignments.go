package memory

import "log/slog"

// PoolAssignment steers the tasks of one query to a pool.
type PoolAssignment struct {
	QueryID string `json:"queryId"`
	PoolID  PoolID `json:"poolId"`
}

// AssignmentsRequest is the coordinator's pool-assignment hint.
type AssignmentsRequest struct {
	CoordinatorID string           `json:"coordinatorId"`
	Version       int64            `json:"version"`
	Assignments   []PoolAssignment `json:"assignments"`
}

// ApplyAssignments records pool hints unless req is older than the last
// applied version, and returns the current memory info. Assignments naming
// unknown pools are skipped.
func (a *Accountant) ApplyAssignments(req AssignmentsRequest) MemoryInfo {
	a.mu.Lock()
	if req.Version >= a.assignmentVersion {
		a.assignmentVersion = req.Version
		next := make(map[string]PoolID, len(req.Assignments))
		for _, as := range req.Assignments {
			if _, ok := a.pools[as.PoolID]; !ok {
				slog.Warn("ignoring assignment to unknown pool", "query_id", as.QueryID, "pool", as.PoolID)
				continue
			}
			next[as.QueryID] = as.PoolID
		}
		a.assignments = next
	} else {
		slog.Debug("ignoring stale pool assignments", "version", req.Version, "current", a.assignmentVersion)
	}
	a.mu.Unlock()

	return a.Info()
}

// PoolFor returns the pool assigned to queryID, or fallback.
func (a *Accountant) PoolFor(queryID string, fallback PoolID) PoolID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.assignments[queryID]; ok {
		return id
	}
	return fallback
}
