package rtsync_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/autom8ter/rtsync"
)

func TestLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		t.Run(level, func(t *testing.T) {
			logger, err := rtsync.NewLogger(level, map[string]any{"component": "test"})
			assert.Nil(t, err)
			assert.NotNil(t, logger)
			logger.Debug(context.Background(), "debug logger", nil)
			logger.Info(context.Background(), "info logger", map[string]any{"table": "items"})
			logger.Warn(context.Background(), "warn logger", nil)
			logger.Error(context.Background(), "error logger", fmt.Errorf("this is an error"), nil)
		})
	}
	t.Run("zap", func(t *testing.T) {
		logger := rtsync.NewZapLogger(zaptest.NewLogger(t))
		logger.Info(context.Background(), "zap logger", map[string]any{"table": "items"})
		rtsync.NewZapLogger(nil).Info(context.Background(), "nop", nil)
	})
}
