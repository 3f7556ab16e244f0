package coordinator

import (
	"context"
	"time"
)

// Run starts the coordinator's background GC sweep, ticking every
// gcInterval, until ctx is cancelled. It is meant to be launched once, in
// its own goroutine, by the server's startup path.
func (c *Coordinator) Run(ctx context.Context, gcInterval time.Duration) {
	if gcInterval <= 0 {
		gcInterval = 5 * time.Minute
	}
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.GCSweep(); err != nil {
				log.Warningf("gc sweep: %v", err)
			}
		}
	}
}
