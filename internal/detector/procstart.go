package detector

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// StartUnix returns the start time of pid as Unix seconds, or 0 when it
// cannot be determined. Claimants record it so a recycled pid can be told
// apart from the process that claimed the slot.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if s, ok := kernelStart(pid); ok {
		return s
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
