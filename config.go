package tapstreams

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const envPrefix = "TAPSTREAMS"

// Settings tunes materializer behavior. Zero values mean "use the
// default".
type Settings struct {
	// SinkRequestBatch is the demand window a sink driver keeps open
	// upstream.
	SinkRequestBatch int `mapstructure:"sink_request_batch"`
	// FanoutInitialBuffer and FanoutMaxBuffer are the buffer bounds
	// used by ToFanoutPublisher when the caller passes 0 for both.
	FanoutInitialBuffer int `mapstructure:"fanout_initial_buffer"`
	FanoutMaxBuffer     int `mapstructure:"fanout_max_buffer"`
	// LogLevel filters the materializer's log output. Stage state
	// transitions are logged at trace level.
	LogLevel string `mapstructure:"log_level"`
}

// ApplyDefaults fills unset fields.
func (s *Settings) ApplyDefaults() {
	if s.SinkRequestBatch == 0 {
		s.SinkRequestBatch = 16
	}
	if s.FanoutInitialBuffer == 0 {
		s.FanoutInitialBuffer = 8
	}
	if s.FanoutMaxBuffer == 0 {
		s.FanoutMaxBuffer = 64
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// Validate rejects unusable settings.
func (s *Settings) Validate() error {
	if s.SinkRequestBatch < 1 {
		return fmt.Errorf("sink_request_batch must be >= 1 (got: %d)", s.SinkRequestBatch)
	}
	if s.FanoutInitialBuffer < 1 || s.FanoutMaxBuffer < s.FanoutInitialBuffer {
		return fmt.Errorf("fan-out buffer bounds must satisfy 0 < initial <= max (got: %d, %d)",
			s.FanoutInitialBuffer, s.FanoutMaxBuffer)
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("log_level %q: %w", s.LogLevel, err)
	}
	return nil
}

// SettingsFromEnv loads settings from TAPSTREAMS_* environment
// variables (e.g. TAPSTREAMS_SINK_REQUEST_BATCH), applying defaults
// for anything unset.
func SettingsFromEnv() (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	s := Settings{
		SinkRequestBatch:    v.GetInt("sink_request_batch"),
		FanoutInitialBuffer: v.GetInt("fanout_initial_buffer"),
		FanoutMaxBuffer:     v.GetInt("fanout_max_buffer"),
		LogLevel:            v.GetString("log_level"),
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
