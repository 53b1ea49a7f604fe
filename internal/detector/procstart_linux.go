//go:build linux

package detector

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/tklauser/go-sysconf"
)

// kernelStart converts the start tick count in /proc/<pid>/stat into whole
// seconds since the epoch, matching what the kernel itself reports.
func kernelStart(pid int) (int64, bool) {
	ticks, err := startTicks(pid)
	if err != nil {
		return 0, false
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return 0, false
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return int64(boot) + ticks/hz, true
}

// startTicks reads field 22 of /proc/<pid>/stat.
func startTicks(pid int) (int64, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// comm is parenthesised and may hold spaces or ')'
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return 0, fmt.Errorf("pid %d: malformed stat", pid)
	}
	fields := bytes.Fields(b[i+1:])
	// fields[0] is field 3 (state)
	const startField = 22 - 3
	if len(fields) <= startField {
		return 0, fmt.Errorf("pid %d: short stat", pid)
	}
	ticks, err := strconv.ParseInt(string(fields[startField]), 10, 64)
	if err != nil || ticks <= 0 {
		return 0, fmt.Errorf("pid %d: bad start ticks %q", pid, fields[startField])
	}
	return ticks, nil
}
