package server

import (
	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/evaluation"
)

// WatchConfig reloads poll defaults whenever configPath changes.
// Sessions already running keep the options they started with.
func (s *RelayServer) WatchConfig(configPath string) error {
	w, err := am.NewConfigWatcher(configPath)
	if err != nil {
		return err
	}
	w.OnReload(s.applyConfig)
	am.SetGlobalWatcher(w)
	s.configWatcher = w
	w.Start()
	s.logger.Infow("Config watcher started", "path", configPath)
	return nil
}

// applyConfig pushes reloaded settings into the tracker and tells clients
func (s *RelayServer) applyConfig(cfg *am.Config) error {
	defaults := evaluation.DefaultsFromConfig(cfg.Poll)
	s.tracker.SetDefaults(defaults)
	s.publish(Event{Type: EventConfigReloaded, Max: defaults.MaxAttempts, Interval: defaults.Interval.Milliseconds()})
	return nil
}
