package proc

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/aristath/procore/internal/task"
)

// TaskInfo is a point-in-time copy of one task for reports and monitors.
type TaskInfo struct {
	PID      task.PID
	Parent   task.PID // 0 for the root
	Image    string
	State    task.Kind
	ExitCode int32
	Priority int64
	Children []task.PID
	Current  bool
}

// StateString renders the state the way the report prints it.
func (ti TaskInfo) StateString() string {
	if ti.State == task.KindZombie {
		return fmt.Sprintf("zombie(%d)", ti.ExitCode)
	}
	return ti.State.String()
}

// Snapshot returns every live and zombie task, parents before children. It
// takes the kernel lock itself and must not be called while holding it.
//
// The ordering comes from a topological sort of the parent edges, which also
// proves the forest has no cycle.
func (m *Manager) Snapshot() ([]TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pids := make([]task.PID, 0, len(m.tasks))
	for pid := range m.tasks {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	infos := make(map[task.PID]TaskInfo, len(pids))
	var edges []toposort.Edge
	current := m.sched.Current()

	for _, pid := range pids {
		t := m.tasks[pid]
		info := TaskInfo{
			PID:      pid,
			Image:    t.Image(),
			State:    t.State().Kind(),
			Priority: t.Priority(),
			Current:  t == current,
		}
		info.ExitCode, _ = t.State().ExitCode()
		for _, c := range t.Children() {
			info.Children = append(info.Children, c.PID())
		}

		if p := t.Parent(); p != nil {
			info.Parent = p.PID()
			edges = append(edges, toposort.Edge{p.PID(), pid})
		} else {
			edges = append(edges, toposort.Edge{nil, pid})
		}
		infos[pid] = info
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("process tree contains cycle: %w", err)
	}

	out := make([]TaskInfo, 0, len(infos))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		info, ok := infos[id.(task.PID)]
		if !ok {
			return nil, fmt.Errorf("process tree references unknown pid %v", id)
		}
		out = append(out, info)
	}

	if len(out) != len(infos) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(infos)-len(out))
	}
	return out, nil
}

// Depths returns the distance of each task from a root, for indentation.
func Depths(infos []TaskInfo) map[task.PID]int {
	depth := make(map[task.PID]int, len(infos))
	for _, info := range infos {
		if d, ok := depth[info.Parent]; ok && info.Parent != 0 {
			depth[info.PID] = d + 1
		} else {
			depth[info.PID] = 0
		}
	}
	return depth
}
