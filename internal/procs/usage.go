// Package procs starts and watches the LLD worker processes of a manager.
package procs

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a resource snapshot of one process.
type Usage struct {
	PID        int
	PPID       int
	CPUPercent float64
	MemRSS     uint64
	NumThreads int
}

// Snapshot reads the resource usage of pid.
func Snapshot(pid int) (Usage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("process %d: %w", pid, err)
	}

	u := Usage{PID: pid}
	if ppid, err := proc.Ppid(); err == nil {
		u.PPID = int(ppid)
	}
	u.CPUPercent, _ = proc.CPUPercent()
	if numThreads, err := proc.NumThreads(); err == nil {
		u.NumThreads = int(numThreads)
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		u.MemRSS = memInfo.RSS
	}
	return u, nil
}

// Children returns the pids of the direct children of pid.
func Children(pid int) ([]int, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	children, err := proc.Children()
	if err != nil {
		// gopsutil reports a missing child list as an error
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}

	pids := make([]int, 0, len(children))
	for _, c := range children {
		pids = append(pids, int(c.Pid))
	}
	return pids, nil
}
