package gateway

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/cinderaudio/cinder/pkg/protocol"
)

// statsFrame assembles the server-wide stats broadcast. Collection failures
// leave the affected block zeroed rather than skipping the frame; clients
// treat the frame as best-effort telemetry.
func (g *Gateway) statsFrame() protocol.StatsFrame {
	players, playing := g.pool.Stats()
	frame := protocol.StatsFrame{
		Op:             protocol.OpStats,
		Players:        players,
		PlayingPlayers: playing,
		Uptime:         time.Since(g.started).Milliseconds(),
		CPU: protocol.CPUStats{
			Cores: runtime.NumCPU(),
		},
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		frame.Memory = protocol.MemStats{
			Free:       vm.Free,
			Used:       vm.Used,
			Allocated:  ms.Sys,
			Reservable: vm.Total,
		}
	}
	if loads, err := cpu.Percent(0, false); err == nil && len(loads) > 0 {
		frame.CPU.SystemLoad = loads[0] / 100
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			frame.CPU.LavalinkLoad = pct / 100
		}
	}
	return frame
}
