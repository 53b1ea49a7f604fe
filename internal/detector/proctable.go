package detector

import (
	"errors"
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// SystemTable reads the operating system process table.
type SystemTable struct{}

func (SystemTable) Lookup(pid int) (Info, error) {
	if pid <= 0 {
		return Info{}, ErrNoProcess
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return Info{}, ErrNoProcess
		}
		return Info{}, fmt.Errorf("lookup pid %d: %w", pid, err)
	}
	info := Info{PID: pid, StartUnix: StartUnix(pid)}
	if st, err := p.Status(); err == nil {
		for _, s := range st {
			if s == gopsproc.Zombie {
				info.Zombie = true
			}
		}
	}
	if info.Zombie {
		return info, nil
	}
	cmd, err := p.CmdlineSlice()
	if err != nil {
		if ok, _ := p.IsRunning(); !ok {
			return Info{}, ErrNoProcess
		}
		return Info{}, fmt.Errorf("read cmdline of pid %d: %w", pid, err)
	}
	info.Cmdline = cmd
	return info, nil
}
