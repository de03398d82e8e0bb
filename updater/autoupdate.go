package updater

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultCheckUpdateFreq is how often the scheduler checks the feed when no
// interval is configured.
const DefaultCheckUpdateFreq = 24 * time.Hour

// AutoUpdater periodically checks the feed. It is a best-effort background
// task: it runs until its context is cancelled and is never joined on
// shutdown.
type AutoUpdater struct {
	configurable     *configurable
	updater          *Updater
	autoApply        bool
	updateConfigChan chan *configurable
	log              *zerolog.Logger
}

// configurable is the attributes of AutoUpdater that can be reconfigured
// during runtime.
type configurable struct {
	enabled bool
	freq    time.Duration
}

// NewAutoUpdater builds the scheduler. A zero freq disables it (it still
// runs, so it can be enabled later through Update). autoApply makes a
// scheduled check continue into download and install; without it only
// critical releases are applied automatically.
func NewAutoUpdater(freq time.Duration, autoApply bool, updater *Updater, log *zerolog.Logger) *AutoUpdater {
	updaterConfigurable := &configurable{
		enabled: true,
		freq:    freq,
	}
	if freq == 0 {
		updaterConfigurable.enabled = false
		updaterConfigurable.freq = DefaultCheckUpdateFreq
	}
	return &AutoUpdater{
		configurable:     updaterConfigurable,
		updater:          updater,
		autoApply:        autoApply,
		updateConfigChan: make(chan *configurable),
		log:              log,
	}
}

// Run checks immediately, then re-arms for every tick until ctx is
// cancelled.
func (a *AutoUpdater) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.configurable.freq)
	defer ticker.Stop()
	for {
		if a.configurable.enabled {
			a.checkOnce(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case newConfigurable := <-a.updateConfigChan:
			ticker.Stop()
			a.configurable = newConfigurable
			// Check immediately on the next loop pass with the new interval.
			ticker = time.NewTicker(a.configurable.freq)
		case <-ticker.C:
		}
	}
}

// Update passes a new configuration to a running AutoUpdater. It is safe to
// call concurrently with Run. A zero freq disables scheduled checks.
func (a *AutoUpdater) Update(newFreq time.Duration) {
	newConfigurable := &configurable{
		enabled: true,
		freq:    newFreq,
	}
	if newFreq == 0 {
		newConfigurable.enabled = false
		newConfigurable.freq = DefaultCheckUpdateFreq
	}
	a.updateConfigChan <- newConfigurable
}

func (a *AutoUpdater) checkOnce(ctx context.Context) {
	rel, err := a.updater.Check(ctx)
	if err != nil {
		if errors.Is(err, ErrUpdateInProgress) {
			a.log.Debug().Msg("scheduled check skipped, session busy")
		} else {
			a.log.Error().Err(err).Msg("scheduled update check failed")
		}
		return
	}
	if rel == nil {
		return
	}

	if !a.autoApply && !rel.IsCritical {
		a.log.Info().Str("version", rel.Version).Msg("update available; auto-apply is disabled")
		return
	}

	if rel.IsCritical {
		a.log.Warn().Str("version", rel.Version).Msg("critical update, applying automatically")
	}
	if err := a.updater.DownloadAndInstall(ctx); err != nil {
		a.log.Error().Err(err).Msg("scheduled update failed")
	}
}
