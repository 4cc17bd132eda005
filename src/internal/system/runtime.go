package system

import (
	"log/slog"
	"runtime"
)

// Runtime is a point-in-time view of the process, reported by the admin
// health endpoint.
type Runtime struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	GoVersion    string `json:"go_version"`
	Goroutines   int    `json:"goroutines"`
	AllocMB      uint64 `json:"alloc_mb"`
	TotalAllocMB uint64 `json:"total_alloc_mb"`
	SysMB        uint64 `json:"sys_mb"`
	NumGC        uint32 `json:"num_gc"`
}

func Snapshot() Runtime {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Runtime{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    runtime.Version(),
		Goroutines:   runtime.NumGoroutine(),
		AllocMB:      bToMb(m.Alloc),
		TotalAllocMB: bToMb(m.TotalAlloc),
		SysMB:        bToMb(m.Sys),
		NumGC:        m.NumGC,
	}
}

// LogUsage logs the current memory usage of the process.
func LogUsage(tag string) {
	r := Snapshot()
	slog.Info("memory usage report",
		"tag", tag,
		"goroutines", r.Goroutines,
		"alloc_mb", r.AllocMB,
		"total_alloc_mb", r.TotalAllocMB,
		"sys_mb", r.SysMB,
		"num_gc", r.NumGC,
	)
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
