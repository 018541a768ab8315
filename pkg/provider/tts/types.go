package tts

// Voice selects the synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// provider default.
	ID string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero means provider default.
	SpeedFactor float64
}
