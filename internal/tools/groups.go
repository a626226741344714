package tools

import "sync"

// Tool group names.
const (
	GroupFS      = "fs"
	GroupRuntime = "runtime"
	GroupTasks   = "tasks"
)

// groupsMu guards the dynamic group table below.
var groupsMu sync.RWMutex

// toolGroups maps group names to tool names. The static entries cover
// the built-ins; dynamic namespaces register their own groups.
var toolGroups = map[string][]string{
	GroupFS:      {"read_file", "write_file", "edit_file", "list_files", "glob", "grep"},
	GroupRuntime: {"exec"},
	GroupTasks:   {"createSubtasks", "listSubtask"},
}

// RegisterToolGroup adds or replaces a dynamic tool group.
func RegisterToolGroup(name string, members []string) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	toolGroups[name] = append([]string(nil), members...)
}

// UnregisterToolGroup removes a dynamic tool group.
func UnregisterToolGroup(name string) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	delete(toolGroups, name)
}

// GroupMembers returns the member names of a group, or nil.
func GroupMembers(name string) []string {
	groupsMu.RLock()
	defer groupsMu.RUnlock()
	return append([]string(nil), toolGroups[name]...)
}
