package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonaChanged bool
	NewPersona     string

	VoiceChanged bool
	NewVoiceID   int
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent.Persona != new.Agent.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.Agent.Persona
	}

	if old.Speech.VoiceID != new.Speech.VoiceID {
		d.VoiceChanged = true
		d.NewVoiceID = new.Speech.VoiceID
	}

	return d
}
