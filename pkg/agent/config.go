package agent

// DefaultMaxRounds bounds the tool loop of one request.
const DefaultMaxRounds = 500

// Config tunes the tool loop.
type Config struct {
	MaxRounds    int                `json:"max_rounds" toml:"max_rounds" env:"PICOGATE_LOOP_MAX_ROUNDS"`
	AutoContinue AutoContinueConfig `json:"auto_continue" toml:"auto_continue"`
}

func DefaultConfig() Config {
	return Config{
		MaxRounds:    DefaultMaxRounds,
		AutoContinue: DefaultAutoContinueConfig(),
	}
}
