package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged, PipelineChanged and ProvidersChanged take effect for
	// sessions started after the reload.
	AgentChanged     bool
	PipelineChanged  bool
	ProvidersChanged []string // ports whose provider entry changed

	// RestartRequired is set when a setting that is only read at startup
	// changed: the listen address, TLS, transports, events or metrics path.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && !d.PipelineChanged &&
		len(d.ProvidersChanged) == 0 && !d.RestartRequired
}

// Sections lists the changed top-level sections for logging.
func (d ConfigDiff) Sections() []string {
	var s []string
	if d.LogLevelChanged {
		s = append(s, "server.log_level")
	}
	if d.AgentChanged {
		s = append(s, "agent")
	}
	if d.PipelineChanged {
		s = append(s, "pipeline")
	}
	for _, port := range d.ProvidersChanged {
		s = append(s, "providers."+port)
	}
	if d.RestartRequired {
		s = append(s, "restart-only settings")
	}
	return s
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.AgentChanged = !reflect.DeepEqual(old.Agent, new.Agent)
	d.PipelineChanged = !reflect.DeepEqual(old.Pipeline, new.Pipeline)

	for _, port := range []struct {
		name     string
		old, new any
	}{
		{"llm", old.Providers.LLM, new.Providers.LLM},
		{"stt", old.Providers.STT, new.Providers.STT},
		{"tts", old.Providers.TTS, new.Providers.TTS},
		{"vad", old.Providers.VAD, new.Providers.VAD},
	} {
		if !reflect.DeepEqual(port.old, port.new) {
			d.ProvidersChanged = append(d.ProvidersChanged, port.name)
		}
	}

	d.RestartRequired = old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!reflect.DeepEqual(old.Transports, new.Transports) ||
		!reflect.DeepEqual(old.Events, new.Events) ||
		old.Observe != new.Observe

	return d
}
