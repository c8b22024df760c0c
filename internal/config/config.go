// Package config loads per-pipeline settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every recognized option for one pipeline instance.
type Config struct {
	// EventID selects the event this pipeline serves. Required.
	EventID int `envconfig:"EVENT_ID"`

	PitWaitMS        int     `envconfig:"PIT_WAIT_MS" default:"1000"`
	HistorySize      int     `envconfig:"HISTORY_SIZE" default:"5"`
	PaceWindow       int     `envconfig:"PACE_WINDOW" default:"5"`
	StalePctOver     float64 `envconfig:"STALE_PCT_OVER" default:"0.3"`
	MinTimestampYear int     `envconfig:"MIN_TIMESTAMP_YEAR" default:"2025"`
	MaxMissedTS      int     `envconfig:"MAX_MISSED_TIMESTAMPS" default:"2"`
	ControlLogPollS  int     `envconfig:"CONTROL_LOG_POLL_S" default:"15"`
	PublishDebounce  int     `envconfig:"PUBLISH_DEBOUNCE_MS" default:"250"`

	// ControlLogKind selects the spreadsheet column layout.
	ControlLogKind string `envconfig:"CONTROL_LOG_KIND" default:"wrl"`
	// ControlLogURL is the fetch endpoint for the control-log grid. Optional;
	// empty disables the control-log poller.
	ControlLogURL string `envconfig:"CONTROL_LOG_URL"`

	LapLogTable     string `envconfig:"LAP_LOG_TABLE" default:"rtp-lap-log"`
	CarLastLapTable string `envconfig:"CAR_LAST_LAP_TABLE" default:"rtp-car-last-lap"`
	FlagLogTable    string `envconfig:"FLAG_LOG_TABLE" default:"rtp-flag-log"`
	HistoryTable    string `envconfig:"HISTORY_TABLE" default:"rtp-lap-history"`
	ArchiveBucket   string `envconfig:"ARCHIVE_BUCKET"`
}

// Load reads configuration from RTP_-prefixed environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("RTP", &cfg); err != nil {
		return Config{}, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces startup invariants. A missing event_id is fatal.
func (c Config) Validate() error {
	if c.EventID <= 0 {
		return fmt.Errorf("event_id is required")
	}
	if c.PitWaitMS < 0 {
		return fmt.Errorf("pit_wait_ms must be >= 0")
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history_size must be >= 1")
	}
	if c.PaceWindow < 1 {
		return fmt.Errorf("pace_window must be >= 1")
	}
	if c.StalePctOver < 0 {
		return fmt.Errorf("stale_pct_over must be >= 0")
	}
	if c.MaxMissedTS < 1 {
		return fmt.Errorf("max_missed_timestamps must be >= 1")
	}
	if c.ControlLogPollS < 1 {
		return fmt.Errorf("control_log_poll_s must be >= 1")
	}
	if c.PublishDebounce < 0 {
		return fmt.Errorf("publish_debounce_ms must be >= 0")
	}
	return nil
}

// PitWait returns the lap-grace window as a duration.
func (c Config) PitWait() time.Duration {
	return time.Duration(c.PitWaitMS) * time.Millisecond
}

// ControlLogPoll returns the control-log refresh period.
func (c Config) ControlLogPoll() time.Duration {
	return time.Duration(c.ControlLogPollS) * time.Second
}

// PublishDebounceDelay returns the broadcaster debounce delay.
func (c Config) PublishDebounceDelay() time.Duration {
	return time.Duration(c.PublishDebounce) * time.Millisecond
}
