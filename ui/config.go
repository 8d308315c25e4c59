package ui

// Config contains TUI-specific configuration.
type Config struct {
	BackendURL string `env:"SAGA_BACKEND" envDefault:"http://localhost:8080"`
	Voice      string `env:"SAGA_VOICE" envDefault:"aria"`

	GlamourStyle    string `env:"GLAMOUR_STYLE"`
	GlamourMaxWidth uint
	GlamourEnabled  bool `env:"SAGA_ENABLE_GLAMOUR" envDefault:"true"`

	// NoAudio swaps the audio device for a silent mock, for machines
	// without an output device.
	NoAudio bool `env:"SAGA_NO_AUDIO"`

	// CacheDir is where finished narrations are kept. Empty disables
	// the disk tier.
	CacheDir string

	EnableMouse bool
}
