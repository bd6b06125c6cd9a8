package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	NewSystemPrompt     string

	SourcesChanged bool
	SourceChanges  []SourceDiff
}

// SourceDiff describes what changed for a single knowledge source between two
// configs. Name is the source key (owner/repo@branch).
type SourceDiff struct {
	Name     string
	Modified bool
	Added    bool
	Removed  bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// System prompt
	if old.Pipeline.SystemPrompt != new.Pipeline.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Pipeline.SystemPrompt
	}

	// Build source lookup maps keyed by owner/repo@branch.
	oldSrcs := make(map[string]SourceConfig, len(old.Knowledge.Sources))
	for _, s := range old.Knowledge.Sources {
		oldSrcs[s.Key()] = s
	}
	newSrcs := make(map[string]SourceConfig, len(new.Knowledge.Sources))
	for _, s := range new.Knowledge.Sources {
		newSrcs[s.Key()] = s
	}

	// Detect modified and removed sources.
	for name, oldSrc := range oldSrcs {
		newSrc, exists := newSrcs[name]
		if !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Removed: true})
			d.SourcesChanged = true
			continue
		}
		if !slices.Equal(oldSrc.Paths, newSrc.Paths) {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Modified: true})
			d.SourcesChanged = true
		}
	}

	// Detect added sources.
	for name := range newSrcs {
		if _, exists := oldSrcs[name]; !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Added: true})
			d.SourcesChanged = true
		}
	}

	return d
}
