// Package config holds the runtime options recognized by the workflow core.
package config

import "time"

const (
	DefaultVisibilitySeconds    = 30
	DefaultCheckinSeconds       = 450 // 15 min claim horizon / 2
	DefaultMaxAttempts          = 5
	DefaultSchedulerTickSeconds = 15
	DefaultPoolSize             = 4
	DefaultShutdownGraceSeconds = 30
)

// Catchup controls how a schedule delivers firings missed during downtime.
type Catchup string

const (
	CatchupAll    Catchup = "all"
	CatchupLatest Catchup = "latest"
)

// Options is the resolved configuration for queue, worker and scheduler.
type Options struct {
	VisibilitySeconds    int     `json:"visibility_seconds"     validate:"gt=0"`
	CheckinSeconds       int     `json:"checkin_seconds"        validate:"gt=0"`
	MaxAttempts          int     `json:"max_attempts"           validate:"gt=0"`
	SchedulerTickSeconds int     `json:"scheduler_tick_seconds" validate:"gt=0"`
	SchedulerCatchup     Catchup `json:"scheduler_catchup"      validate:"oneof=all latest"`
	PoolSize             int     `json:"pool_size"              validate:"gt=0"`
	ShutdownGraceSeconds int     `json:"shutdown_grace_seconds" validate:"gte=0"`

	// PlanMaxDurationSeconds aborts plans running longer than this. Zero
	// means no plan-level timeout.
	PlanMaxDurationSeconds int `json:"plan_max_duration_seconds" validate:"gte=0"`
}

func Default() Options {
	return Options{
		VisibilitySeconds:    DefaultVisibilitySeconds,
		CheckinSeconds:       DefaultCheckinSeconds,
		MaxAttempts:          DefaultMaxAttempts,
		SchedulerTickSeconds: DefaultSchedulerTickSeconds,
		SchedulerCatchup:     CatchupLatest,
		PoolSize:             DefaultPoolSize,
		ShutdownGraceSeconds: DefaultShutdownGraceSeconds,
	}
}

func (o Options) Visibility() time.Duration {
	return time.Duration(o.VisibilitySeconds) * time.Second
}

func (o Options) Checkin() time.Duration {
	return time.Duration(o.CheckinSeconds) * time.Second
}

func (o Options) SchedulerTick() time.Duration {
	return time.Duration(o.SchedulerTickSeconds) * time.Second
}

func (o Options) ShutdownGrace() time.Duration {
	return time.Duration(o.ShutdownGraceSeconds) * time.Second
}

func (o Options) PlanMaxDuration() time.Duration {
	return time.Duration(o.PlanMaxDurationSeconds) * time.Second
}
