package observability

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/pcicrec/internal/logging"
)

// HTTPLogger returns the process logger tagged with app, for request logs.
func HTTPLogger(app string) zerolog.Logger {
	return logs.Logger().With().Str("app", app).Logger()
}
