// Package commands holds the evalpulse cobra commands.
package commands

import (
	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/journal"
	"github.com/jobgate/evalpulse/logger"
)

// runtime is the client, tracker and (optional) journal built from config
type runtime struct {
	cfg     *am.Config
	client  *evaluation.Client
	tracker *evaluation.Tracker
	journal *journal.Journal
	log     *zap.SugaredLogger
}

// loadConfig loads and validates configuration
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid configuration"), "run 'evalpulse am validate' for details")
	}
	return cfg, nil
}

// newClient builds only the backend client
func newClient(cfg *am.Config) (*evaluation.Client, error) {
	return evaluation.NewClient(cfg.Backend, logger.ComponentLogger("evaluation.client"))
}

// newRuntime wires a tracker to the backend. The journal is attached when enabled;
// failing to open it only costs history, never the evaluation.
func newRuntime(cfg *am.Config) (*runtime, error) {
	log := logger.ComponentLogger("evaluation")

	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		client:  client,
		tracker: evaluation.NewTracker(client, evaluation.DefaultsFromConfig(cfg.Poll), log),
		log:     log,
	}

	if cfg.Journal.Enabled {
		if j, err := openJournal(); err != nil {
			log.Warnw("Journal unavailable, sessions will not be recorded", logger.FieldError, err)
		} else {
			rt.journal = j
			rt.tracker.AddObserver(j)
		}
	}
	return rt, nil
}

func openJournal() (*journal.Journal, error) {
	path, err := am.GetJournalPath()
	if err != nil {
		return nil, err
	}
	return journal.Open(path, logger.ComponentLogger("journal"))
}

// Close stops every session and closes the journal
func (r *runtime) Close() {
	r.tracker.Close()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.log.Debugw("Failed to close journal", logger.FieldError, err)
		}
	}
}
