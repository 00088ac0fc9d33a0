package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; the rest are
// flagged so the operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MatchingChanged bool
	NewMatching     MatchingConfig

	ExportTitleChanged bool
	NewExportTitle     string

	// RestartRequired lists top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// HotReloadable reports whether d contains any change that can be applied
// to a running server.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.MatchingChanged || d.ExportTitleChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Matching.FuzzyEnabled() != new.Matching.FuzzyEnabled() ||
		old.Matching.FuzzyThreshold != new.Matching.FuzzyThreshold {
		d.MatchingChanged = true
		d.NewMatching = new.Matching
	}
	if old.Export.Title != new.Export.Title {
		d.ExportTitleChanged = true
		d.NewExportTitle = new.Export.Title
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !reflect.DeepEqual(old.Oracle, new.Oracle) {
		d.RestartRequired = append(d.RestartRequired, "oracle")
	}
	if !reflect.DeepEqual(old.Telemetry, new.Telemetry) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}
