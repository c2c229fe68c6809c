package app

import (
	"rankbot/internal/config"
	"rankbot/internal/faceit"
	"rankbot/internal/storage"
	kit "rankbot/internal/transport"
	"rankbot/internal/transport/telegram"
	logx "rankbot/pkg/logx"
)

// Logging is the logging service plus the ops sender it may log through.
type Logging struct {
	Service *logx.Service
	Log     logx.Logger
	// Sender is nil when no Telegram token is configured.
	Sender *telegram.Sender
}

// NewLogging builds the ops transport and the logging service from cfg.
func NewLogging(cfg *config.Config) (*Logging, error) {
	lg := &Logging{}
	var ops kit.Sender
	if tc, ok := mapTelegramConfig(cfg); ok {
		s, err := telegram.New(tc, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		lg.Sender, ops = s, s
	}
	lg.Service, lg.Log = logx.New(mapLogConfig(cfg), ops)
	return lg, nil
}

// OpenStore opens the configured link store.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// NewFaceit builds the rank provider client.
func NewFaceit(cfg *config.Config, log logx.Logger) (*faceit.Client, error) {
	fc, err := mapFaceitConfig(cfg)
	if err != nil {
		return nil, err
	}
	return faceit.New(fc, log), nil
}
