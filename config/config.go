package config

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config defines cross-cutting concerns.
type Config struct {
	Logger      *zap.SugaredLogger
	Environment *Environment
	Clock       clock.Clock
}
