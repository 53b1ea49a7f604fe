package metrics

import (
	"errors"
	"log/slog"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/pidfile"
)

var (
	slotsDesc = prometheus.NewDesc("atm_slots",
		"Supervision slots by role and liveness state.", []string{"role", "state"}, nil)
	rssDesc = prometheus.NewDesc("atm_slot_memory_rss_bytes",
		"Resident memory of the process holding a running slot.", []string{"slot"}, nil)
	cpuDesc = prometheus.NewDesc("atm_slot_cpu_percent",
		"CPU usage since start of the process holding a running slot.", []string{"slot"}, nil)
	threadsDesc = prometheus.NewDesc("atm_slot_threads",
		"Threads of the process holding a running slot.", []string{"slot"}, nil)
	fdsDesc = prometheus.NewDesc("atm_slot_open_fds",
		"Open file descriptors of the process holding a running slot (Unix only).", []string{"slot"}, nil)
)

// SlotCollector reports pid-file slots at scrape time. It only reads: stale
// records are counted but left for the supervisor to clear.
type SlotCollector struct {
	store   *pidfile.Store
	checker *detector.Checker
	log     *slog.Logger
}

func NewSlotCollector(store *pidfile.Store, checker *detector.Checker, log *slog.Logger) *SlotCollector {
	if checker == nil {
		checker = detector.NewChecker(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &SlotCollector{store: store, checker: checker, log: log}
}

// RegisterSlots registers a SlotCollector with r.
func RegisterSlots(r prometheus.Registerer, c *SlotCollector) error { return register(r, c) }

func (c *SlotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- slotsDesc
	ch <- rssDesc
	ch <- cpuDesc
	ch <- threadsDesc
	ch <- fdsDesc
}

func (c *SlotCollector) Collect(ch chan<- prometheus.Metric) {
	for _, role := range []pidfile.Role{pidfile.RoleWorker, pidfile.RoleServer} {
		counts := map[detector.State]int{detector.Running: 0, detector.Stale: 0}
		slots, err := c.store.Slots(role)
		if err != nil {
			c.log.Debug("list slots", "role", role, "error", err)
		}
		for _, slot := range slots {
			rec, err := c.store.Read(slot)
			if err != nil {
				if errors.Is(err, pidfile.ErrCorrupt) {
					counts[detector.Stale]++
				}
				continue
			}
			res := c.checker.Check(rec)
			counts[res.State]++
			if res.State == detector.Running {
				c.collectProcess(ch, slot, rec.PID)
			}
		}
		for st, n := range counts {
			ch <- prometheus.MustNewConstMetric(slotsDesc, prometheus.GaugeValue, float64(n), string(role), st.String())
		}
	}
}

func (c *SlotCollector) collectProcess(ch chan<- prometheus.Metric, slot pidfile.Slot, pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	name := slot.Name()
	if mem, err := proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(rssDesc, prometheus.GaugeValue, float64(mem.RSS), name)
	} else {
		c.log.Debug("memory info", "slot", name, "pid", pid, "error", err)
	}
	if pct, err := proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(cpuDesc, prometheus.GaugeValue, pct, name)
	}
	if n, err := proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(threadsDesc, prometheus.GaugeValue, float64(n), name)
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			ch <- prometheus.MustNewConstMetric(fdsDesc, prometheus.GaugeValue, float64(n), name)
		}
	}
}
