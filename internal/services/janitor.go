package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

// DefaultJanitorSchedule runs housekeeping once a minute.
const DefaultJanitorSchedule = "@every 1m"

// cronParser accepts standard 5-field expressions plus descriptors
// (@every 30s, @hourly).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Janitor removes expired idempotency records and OTP challenges and drops
// idle typing state on a cron schedule.
type Janitor struct {
	DB     *gorm.DB
	Gate   *otp.Gate
	Typing *realtime.Typing

	cron *cron.Cron
	now  func() time.Time
}

// Sweep is what one janitor run removed.
type Sweep struct {
	Idempotency int64
	Challenges  int
	Typing      int
}

// NewJanitor schedules RunOnce on spec; an empty spec uses
// DefaultJanitorSchedule.
func NewJanitor(db *gorm.DB, gate *otp.Gate, typing *realtime.Typing, spec string) (*Janitor, error) {
	if spec == "" {
		spec = DefaultJanitorSchedule
	}
	j := &Janitor{DB: db, Gate: gate, Typing: typing, now: func() time.Time { return time.Now().UTC() }}
	j.cron = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := j.cron.AddFunc(spec, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the schedule in its own goroutine.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one sweep. Failures are logged and do not stop the other
// steps.
func (j *Janitor) RunOnce(ctx context.Context) Sweep {
	now := time.Now().UTC()
	if j.now != nil {
		now = j.now()
	}
	var out Sweep

	if j.DB != nil {
		n, err := repo.PurgeIdempotency(ctx, j.DB, now)
		if err != nil {
			log.Error().Err(err).Msg("janitor: purge idempotency")
		}
		out.Idempotency = n
	}
	if j.Gate != nil {
		n, err := j.Gate.Purge(ctx)
		if err != nil {
			log.Error().Err(err).Msg("janitor: purge otp challenges")
		}
		out.Challenges = n
	}
	if j.Typing != nil {
		out.Typing = j.Typing.Sweep(now)
	}

	if out.Idempotency > 0 || out.Challenges > 0 || out.Typing > 0 {
		log.Debug().
			Int64("idempotency", out.Idempotency).
			Int("challenges", out.Challenges).
			Int("typing", out.Typing).
			Msg("janitor sweep")
	}
	return out
}
