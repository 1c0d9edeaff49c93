package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"conductor/internal/logging"
)

// Driver runs scheduler cycles on a cron schedule.
type Driver struct {
	cron   *cron.Cron
	loop   *Loop
	logger logging.Logger
}

// NewDriver wires the loop to a cron expression ("@every 1m" style specs
// are accepted as well).
func NewDriver(schedule string, loop *Loop, logger logging.Logger) (*Driver, error) {
	d := &Driver{
		cron:   cron.New(cron.WithSeconds()),
		loop:   loop,
		logger: logging.OrNop(logger),
	}
	if _, err := d.cron.AddFunc(schedule, d.tick); err != nil {
		return nil, fmt.Errorf("invalid cycle schedule %q: %w", schedule, err)
	}
	return d, nil
}

func (d *Driver) tick() {
	stats, err := d.loop.RunCycle(context.Background())
	if err != nil {
		d.logger.Error("scheduler cycle failed: %v", err)
		return
	}
	d.logger.Debug("scheduler cycle: processed=%d succeeded=%d failed=%d reaped=%d",
		stats.Processed, stats.Succeeded, stats.Failed, stats.Reaped)
}

// Start begins periodic cycles.
func (d *Driver) Start() {
	d.cron.Start()
	d.logger.Info("scheduler driver started")
}

// Stop halts scheduling and waits for the in-flight cycle to finish.
func (d *Driver) Stop() {
	ctx := d.cron.Stop()
	<-ctx.Done()
	d.logger.Info("scheduler driver stopped")
}
