package config

import (
	"errors"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SchedulerTuning holds scheduler knobs that can change without a restart.
type SchedulerTuning struct {
	RetryMaxAttempts     int           `mapstructure:"retryMaxAttempts"`
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `mapstructure:"retryMaxInterval"`
	MaxWindowsPerTick    int           `mapstructure:"maxWindowsPerTick"`
}

func DefaultSchedulerTuning(cfg SchedulerConfig) SchedulerTuning {
	return SchedulerTuning{
		RetryMaxAttempts:     cfg.RetryMaxAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		MaxWindowsPerTick:    cfg.MaxWindowsPerTick,
	}
}

type SchedulerTuningHolder struct {
	current atomic.Value // holds SchedulerTuning
}

// NewSchedulerTuningHolder reads scheduler.yml when present and watches it for
// changes. Environment values are the defaults.
func NewSchedulerTuningHolder(cfg Config) (*SchedulerTuningHolder, error) {
	v := viper.New()

	if file := strings.TrimSpace(cfg.Scheduler.TuningFile); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("scheduler")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/finsight")
		v.AddConfigPath(".")
	}

	defaults := DefaultSchedulerTuning(cfg.Scheduler)
	v.SetDefault("scheduler.retryMaxAttempts", defaults.RetryMaxAttempts)
	v.SetDefault("scheduler.retryInitialInterval", defaults.RetryInitialInterval)
	v.SetDefault("scheduler.retryMaxInterval", defaults.RetryMaxInterval)
	v.SetDefault("scheduler.maxWindowsPerTick", defaults.MaxWindowsPerTick)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	tuning, err := decodeTuning(v)
	if err != nil {
		return nil, err
	}

	holder := &SchedulerTuningHolder{}
	holder.current.Store(tuning)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeTuning(v)
			if err != nil {
				log.Printf("[scheduler-tuning] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[scheduler-tuning] reloaded from %s", filepath.Base(e.Name))
		})
	}

	return holder, nil
}

// NewStaticSchedulerTuningHolder returns a holder that never reloads.
func NewStaticSchedulerTuningHolder(tuning SchedulerTuning) *SchedulerTuningHolder {
	holder := &SchedulerTuningHolder{}
	holder.current.Store(tuning)
	return holder
}

func (h *SchedulerTuningHolder) Get() SchedulerTuning {
	return h.current.Load().(SchedulerTuning)
}

func decodeTuning(v *viper.Viper) (SchedulerTuning, error) {
	var tuning SchedulerTuning
	if err := v.UnmarshalKey("scheduler", &tuning); err != nil {
		return SchedulerTuning{}, err
	}
	if err := validateTuning(tuning); err != nil {
		return SchedulerTuning{}, err
	}
	return tuning, nil
}

func validateTuning(t SchedulerTuning) error {
	if t.RetryMaxAttempts < 1 {
		return errors.New("scheduler.retryMaxAttempts must be at least 1")
	}
	if t.RetryInitialInterval <= 0 {
		return errors.New("scheduler.retryInitialInterval must be positive")
	}
	if t.RetryMaxInterval < t.RetryInitialInterval {
		return errors.New("scheduler.retryMaxInterval must not be below retryInitialInterval")
	}
	if t.MaxWindowsPerTick < 0 {
		return errors.New("scheduler.maxWindowsPerTick cannot be negative")
	}
	return nil
}
