package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "*/5 * * * *"

// Cycler runs one ingestion cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*Report, error)
}

// Scheduler triggers cycles on a cron schedule. A trigger that fires while
// the previous cycle still runs is skipped.
type Scheduler struct {
	cycler   Cycler
	schedule string
	loc      *time.Location
}

func NewScheduler(cycler Cycler, schedule string, loc *time.Location) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{cycler: cycler, schedule: schedule, loc: loc}, nil
}

// Run runs one cycle immediately, then on every trigger until ctx is done.
// It waits for a running cycle to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCycle(ctx)

	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.Default()))),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.runCycle(ctx) }); err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}

	log.Printf("scheduler: cycles scheduled %q", s.schedule)
	c.Start()
	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.cycler.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("scheduler: cycle failed: %v", err)
	}
}
