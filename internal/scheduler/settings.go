// Package scheduler runs background tasks from a stream with consumer-group semantics.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"switchline/internal/domain"
)

var (
	// ErrUnexpectedFlow marks an invariant violation, such as a task whose runner has no
	// registered workflow.
	ErrUnexpectedFlow = errors.New("unexpected flow")
	// ErrConfiguration marks settings the scheduler cannot start with.
	ErrConfiguration = errors.New("configuration error")
)

type Settings struct {
	Stream                   string
	LoopInterval             time.Duration
	GracefulShutdownInterval time.Duration
	Consumer                 ConsumerSettings
	Producer                 ProducerSettings
}

type ConsumerSettings struct {
	Disabled  bool
	Group     string
	BatchSize int
	// ReclaimIdle is how long an entry may stay unacknowledged before another consumer may
	// take it over. Zero disables reclaiming.
	ReclaimIdle time.Duration
	// ValidBusinessStatus lists the business statuses a claimed task may have to run.
	ValidBusinessStatus []string
}

type ProducerSettings struct {
	LoopInterval time.Duration
	BatchSize    int
}

func DefaultSettings() Settings {
	return Settings{
		Stream:                   "SCHEDULER_STREAM",
		LoopInterval:             5 * time.Second,
		GracefulShutdownInterval: time.Second,
		Consumer: ConsumerSettings{
			Group:               "SCHEDULER_GROUP",
			BatchSize:           200,
			ReclaimIdle:         10 * time.Minute,
			ValidBusinessStatus: []string{domain.BusinessStatusPending},
		},
		Producer: ProducerSettings{
			LoopInterval: 5 * time.Second,
			BatchSize:    200,
		},
	}
}

func (s Settings) Validate() error {
	switch {
	case s.Stream == "":
		return fmt.Errorf("%w: scheduler stream is required", ErrConfiguration)
	case s.LoopInterval <= 0:
		return fmt.Errorf("%w: loop interval must be positive", ErrConfiguration)
	case s.GracefulShutdownInterval <= 0:
		return fmt.Errorf("%w: graceful shutdown interval must be positive", ErrConfiguration)
	case s.Consumer.Group == "":
		return fmt.Errorf("%w: consumer group is required", ErrConfiguration)
	case s.Consumer.BatchSize <= 0:
		return fmt.Errorf("%w: consumer batch size must be positive", ErrConfiguration)
	case len(s.Consumer.ValidBusinessStatus) == 0:
		return fmt.Errorf("%w: at least one valid business status is required", ErrConfiguration)
	case s.Producer.LoopInterval <= 0:
		return fmt.Errorf("%w: producer loop interval must be positive", ErrConfiguration)
	case s.Producer.BatchSize <= 0:
		return fmt.Errorf("%w: producer batch size must be positive", ErrConfiguration)
	}
	return nil
}
