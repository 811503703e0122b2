package shared

import (
	"os"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/prefork"
)

// initialize logger
func NewLogger(cfg *koanf.Koanf) zerolog.Logger {
	zerolog.TimeFieldFormat = cfg.String("logger.time-format")

	if cfg.Bool("logger.prettier") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	// logger.level accepts a name ("info") or its number ("1")
	level, err := zerolog.ParseLevel(cfg.String("logger.level"))
	if err != nil {
		log.Warn().Err(err).Msg("invalid logger.level, fallback to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return log.Hook(PreforkHook{}).With().Str("app", cfg.String("app.name")).Logger()
}

// prefer hook for zerologger
type PreforkHook struct{}

func (h PreforkHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if prefork.IsChild() {
		e.Discard()
	}
}
