// Package watchdog periodically samples process memory and, under
// pressure, asks the registry to shed its least-active room rather
// than let the process grow without bound.
package watchdog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"example.com/livetranscription/internal/registry"
)

const sampleInterval = 10 * time.Second

// Shedder is the subset of *registry.Registry the watchdog needs; kept
// as an interface so tests can supply a fake.
type Shedder interface {
	LeastActive() (string, bool)
	Leave(roomToken string) error
}

// Watchdog samples this process's RSS and, when it exceeds the
// effective ceiling, closes the oldest-idle room.
type Watchdog struct {
	reg         Shedder
	log         *zap.Logger
	ceilingMB   int
	proc        *process.Process
}

// New builds a watchdog. ceilingMB of 0 disables shedding when no
// cgroup limit can be read either.
func New(reg Shedder, ceilingMB int, log *zap.Logger) (*Watchdog, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Watchdog{reg: reg, log: log, ceilingMB: ceilingMB, proc: proc}, nil
}

// Run blocks sampling memory every sampleInterval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watchdog) tick() {
	ceiling := w.effectiveCeilingBytes()
	if ceiling == 0 {
		return
	}

	memInfo, err := w.proc.MemoryInfo()
	if err != nil {
		w.log.Warn("watchdog: read memory info failed", zap.Error(err))
		return
	}

	if memInfo.RSS < ceiling {
		return
	}

	w.log.Warn("watchdog: memory ceiling exceeded",
		zap.Uint64("rss_bytes", memInfo.RSS),
		zap.Uint64("ceiling_bytes", ceiling))

	token, ok := w.reg.LeastActive()
	if !ok {
		w.log.Warn("watchdog: no room available to shed")
		return
	}
	if err := w.reg.Leave(token); err != nil {
		w.log.Warn("watchdog: failed to shed room", zap.String("room_token", token), zap.Error(err))
		return
	}
	w.log.Info("watchdog: shed room under memory pressure", zap.String("room_token", token))
}

// effectiveCeilingBytes prefers a cgroup v1/v2 memory limit when one is
// readable, since that is what actually bounds this process in a
// container; it falls back to the configured absolute ceiling
// otherwise. Detecting the cgroup is only ever used to decide whether
// a host-wide memory reading is meaningful, never to change behavior
// based on being containerized per se.
func (w *Watchdog) effectiveCeilingBytes() uint64 {
	if limit, ok := readCgroupLimit(); ok {
		return uint64(float64(limit) * 0.9)
	}
	if w.ceilingMB <= 0 {
		return 0
	}
	return uint64(w.ceilingMB) * 1024 * 1024
}

func readCgroupLimit() (uint64, bool) {
	paths := []string{
		"/sys/fs/cgroup/memory.max",
		"/sys/fs/cgroup/memory/memory.limit_in_bytes",
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(data))
		if s == "max" {
			continue
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

var _ Shedder = (*registry.Registry)(nil)
