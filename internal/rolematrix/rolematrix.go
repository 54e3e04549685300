// Package rolematrix is the compile-time role/permission table that gates
// spawn depth and HTTP mutation permissions (spec glossary, "Role matrix").
// It is a fixed table, never dynamic dispatch: adding a role means editing
// this file, not registering a plugin.
package rolematrix

// Role names recognized by the fleet. Agents register with an agentType
// drawn from the identity enum; only these six additionally carry a
// spawn-depth entry below.
const (
	RoleLead      = "lead"
	RoleWorker    = "worker"
	RoleKraken    = "kraken"
	RoleArchitect = "architect"
	RoleScout     = "scout"
	RoleOracle    = "oracle"
	RoleCritic    = "critic"
)

// Entry describes one role's spawn privileges.
type Entry struct {
	MaxDepth int
	CanSpawn bool
}

// matrix is the fixed role -> privilege table (spec glossary, "Role matrix").
var matrix = map[string]Entry{
	RoleLead:      {MaxDepth: 1, CanSpawn: true},
	RoleWorker:    {MaxDepth: 2, CanSpawn: false},
	RoleKraken:    {MaxDepth: 2, CanSpawn: false},
	RoleArchitect: {MaxDepth: 2, CanSpawn: false},
	RoleScout:     {MaxDepth: 3, CanSpawn: false},
	RoleOracle:    {MaxDepth: 3, CanSpawn: false},
	RoleCritic:    {MaxDepth: 3, CanSpawn: false},
}

// Lookup returns a role's entry and whether it is recognized.
func Lookup(role string) (Entry, bool) {
	e, ok := matrix[role]
	return e, ok
}

// CanSpawnAt reports whether a requester holding role may spawn a worker at
// childDepth = requesterDepth + 1. Depth 0 may only be spawned by "lead"
// (spec §4.C rule 3: "Only one role (lead) may spawn at depthLevel=0").
func CanSpawnAt(requesterRole string, requesterDepth, childDepth int) bool {
	entry, ok := matrix[requesterRole]
	if !ok || !entry.CanSpawn {
		return false
	}
	if childDepth == 0 {
		return requesterRole == RoleLead
	}
	return childDepth <= entry.MaxDepth
}

// MaxDepthFor returns the max spawn-tree depth a role may ever occupy.
func MaxDepthFor(role string) (int, bool) {
	e, ok := matrix[role]
	if !ok {
		return 0, false
	}
	return e.MaxDepth, true
}
