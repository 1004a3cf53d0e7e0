package transfer

import (
	"net/http"

	"go.uber.org/zap"

	"fluxpredict/core"
	"fluxpredict/logging"
)

// New returns the Transferer for tool (auto, pget or http).
// Auto resolves to pget when the binary is on PATH, HTTP otherwise.
func New(tool string, client *http.Client, logger *logging.Logger) Transferer {
	if logger == nil {
		logger = logging.NewNop()
	}
	switch tool {
	case core.TransferPget:
		return NewPget("", logger)
	case core.TransferHTTP:
		return NewHTTP(client, logger)
	default:
		if Available(DefaultPgetPath) {
			logger.Debug("pget found on PATH", zap.String("tool", tool))
			return NewPget("", logger)
		}
		logger.Debug("pget not found, using in-process downloads")
		return NewHTTP(client, logger)
	}
}
