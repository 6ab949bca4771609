package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/MrWong99/rememberme/internal/speaker"
)

// ConfigDiff describes what changed between two configs.
//
// Log level, segmentation thresholds and the people roster are applied live.
// Everything else is listed in RestartRequired and only takes effect after a
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SegmentationChanged is set when any threshold changed. Tracks that are
	// already open keep their thresholds; new tracks get the new ones.
	SegmentationChanged bool

	PeopleChanged bool
	PeopleAdded   []string
	PeopleRemoved []string

	// RestartRequired names the top-level sections whose changes are ignored
	// until restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SegmentationChanged && !d.PeopleChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Segmentation.Thresholds != new.Segmentation.Thresholds {
		d.SegmentationChanged = true
	}

	oldPeople := peopleByName(old)
	newPeople := peopleByName(new)
	for name, p := range oldPeople {
		np, ok := newPeople[name]
		if !ok {
			d.PeopleRemoved = append(d.PeopleRemoved, p.Name)
			d.PeopleChanged = true
			continue
		}
		if p.Relationship != np.Relationship || !slices.Equal(p.Aliases, np.Aliases) {
			d.PeopleChanged = true
		}
	}
	for name, p := range newPeople {
		if _, ok := oldPeople[name]; !ok {
			d.PeopleAdded = append(d.PeopleAdded, p.Name)
			d.PeopleChanged = true
		}
	}
	slices.Sort(d.PeopleAdded)
	slices.Sort(d.PeopleRemoved)

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Segmentation.MaxConcurrentDispatches != new.Segmentation.MaxConcurrentDispatches ||
		old.Segmentation.DispatchTimeout != new.Segmentation.DispatchTimeout {
		d.RestartRequired = append(d.RestartRequired, "segmentation.dispatch")
	}
	if old.Source != new.Source {
		d.RestartRequired = append(d.RestartRequired, "source")
	}
	if old.LiveKit != new.LiveKit {
		d.RestartRequired = append(d.RestartRequired, "livekit")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Recordings != new.Recordings {
		d.RestartRequired = append(d.RestartRequired, "recordings")
	}
	if old.Patient != new.Patient {
		d.RestartRequired = append(d.RestartRequired, "patient")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}

func peopleByName(cfg *Config) map[string]speaker.Person {
	out := make(map[string]speaker.Person, len(cfg.People))
	for _, p := range cfg.People {
		out[strings.ToLower(p.Name)] = p
	}
	return out
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.STT, b.STT) &&
		entryEqual(a.LLM, b.LLM) &&
		entryEqual(a.ClinicalLLM, b.ClinicalLLM) &&
		entryEqual(a.Embeddings, b.Embeddings) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, entryEqual) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, entryEqual) &&
		slices.EqualFunc(a.EmbeddingsFallbacks, b.EmbeddingsFallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return maps.EqualFunc(a.Options, b.Options, reflect.DeepEqual)
}
