package tapstreams_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artificial-james/tapstreams"
)

func TestSettingsDefaults(t *testing.T) {
	var s tapstreams.Settings
	s.ApplyDefaults()

	assert.Equal(t, 16, s.SinkRequestBatch)
	assert.Equal(t, 8, s.FanoutInitialBuffer)
	assert.Equal(t, 64, s.FanoutMaxBuffer)
	assert.Equal(t, "info", s.LogLevel)
	assert.NoError(t, s.Validate())
}

func TestSettingsValidate(t *testing.T) {
	valid := tapstreams.Settings{
		SinkRequestBatch:    4,
		FanoutInitialBuffer: 2,
		FanoutMaxBuffer:     8,
		LogLevel:            "debug",
	}
	assert.NoError(t, valid.Validate())

	t.Run("Bad batch", func(t *testing.T) {
		s := valid
		s.SinkRequestBatch = -1
		assert.ErrorContains(t, s.Validate(), "sink_request_batch")
	})
	t.Run("Inverted fan-out bounds", func(t *testing.T) {
		s := valid
		s.FanoutInitialBuffer = 16
		assert.ErrorContains(t, s.Validate(), "fan-out buffer bounds")
	})
	t.Run("Unknown log level", func(t *testing.T) {
		s := valid
		s.LogLevel = "loud"
		assert.ErrorContains(t, s.Validate(), "log_level")
	})
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("TAPSTREAMS_SINK_REQUEST_BATCH", "4")
	t.Setenv("TAPSTREAMS_LOG_LEVEL", "debug")

	s, err := tapstreams.SettingsFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 4, s.SinkRequestBatch)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 8, s.FanoutInitialBuffer, "unset variables fall back to defaults")
	assert.Equal(t, 64, s.FanoutMaxBuffer)
}

func TestNewMaterializerRejectsBadSettings(t *testing.T) {
	_, err := tapstreams.NewMaterializer(tapstreams.WithSettings(tapstreams.Settings{
		SinkRequestBatch: -2,
	}))
	assert.Error(t, err)
}
