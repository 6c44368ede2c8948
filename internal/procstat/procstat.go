// Package procstat samples CPU and memory usage across a process and all
// of its live descendants, per §4.3's process-sampling requirement.
package procstat

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/lightlogic-io/gator/internal/gatortype"
)

// Sample walks the process tree rooted at pid and sums CPU percent, RSS,
// and VMS across every live descendant. The descendant set is
// re-enumerated on every call rather than cached, per the Design Note in
// §9: zombies and fast-exiting grandchildren would invalidate a cached
// PID list. A descendant that has already exited by the time it is
// queried is skipped, not treated as an error.
func Sample(pid int32) (gatortype.ProcStat, error) {
	root, err := process.NewProcess(pid)
	if err != nil {
		return gatortype.ProcStat{}, err
	}

	procs := []*process.Process{root}
	procs = append(procs, liveDescendants(root)...)

	stat := gatortype.ProcStat{Timestamp: time.Now()}
	for _, p := range procs {
		alive, err := p.IsRunning()
		if err != nil || !alive {
			continue
		}
		if status, err := p.Status(); err == nil && isZombie(status) {
			continue
		}

		cpu, err := p.CPUPercent()
		if err == nil {
			stat.CPU += cpu
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			stat.Mem += mem.RSS
			stat.VMem += mem.VMS
		}
		stat.NProc++
	}
	return stat, nil
}

func liveDescendants(root *process.Process) []*process.Process {
	children, err := root.Children()
	if err != nil {
		return nil
	}
	out := make([]*process.Process, 0, len(children))
	for _, c := range children {
		out = append(out, c)
		out = append(out, liveDescendants(c)...)
	}
	return out
}

func isZombie(statuses []string) bool {
	for _, s := range statuses {
		if s == process.Zombie {
			return true
		}
	}
	return false
}
