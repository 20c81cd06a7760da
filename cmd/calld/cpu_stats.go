package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const statsInterval = 10 * time.Second

// logDaemonStats periodically samples the daemon's own CPU usage together
// with the current call state, so a runaway encode loop shows up next to the
// call it belongs to.
func logDaemonStats(ctx context.Context, state func() string) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("cpu stats unavailable: %v", err)
		return
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percent, err := proc.CPUPercent()
			if err != nil {
				log.Printf("cpu stats failed: %v", err)
				continue
			}
			log.Printf("calld cpu=%.1f%% call=%s", percent, state())
		}
	}
}
