package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	require.Equal(t, DefaultBaudRate, cfg.BaudRate())
	require.Equal(t, DefaultMissLimit, cfg.MissLimit())
	require.Equal(t, DefaultHighWater, cfg.HighWater())
	require.Equal(t, DefaultQuiescence, cfg.Quiescence())

	bit := time.Second / DefaultBaudRate
	require.Equal(t, DefaultResponseBits*bit, cfg.ResponseTimeout())
	require.Equal(t, DefaultInterCharBits*bit, cfg.InterCharTimeout())
}

func TestConfigBaudRescalesBitTimeouts(t *testing.T) {
	cfg, err := NewConfig(WithBaudRate(115200))
	require.NoError(t, err)

	bit := time.Second / 115200
	require.Equal(t, time.Duration(DefaultResponseBits)*bit, cfg.ResponseTimeout())
	require.Equal(t, time.Duration(DefaultInterCharBits)*bit, cfg.InterCharTimeout())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"baud too low", WithBaudRate(MinBaudRate - 1)},
		{"baud too high", WithBaudRate(MaxBaudRate + 1)},
		{"response bits too low", WithResponseBits(MinResponseBits - 1)},
		{"inter-char bits too high", WithInterCharBits(MaxInterCharBits + 1)},
		{"negative quiescence", WithQuiescence(-time.Second)},
		{"zero reset timeout", WithResetTimeout(0)},
		{"zero miss limit", WithMissLimit(0)},
		{"high water past payload", WithHighWater(MaxPacketPayload + 1)},
		{"zero queue size", WithTxQueueSize(0)},
		{"nil clock", WithClock(nil)},
		{"nil logger", WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			require.Error(t, err)
		})
	}
}

func TestConfigOptions(t *testing.T) {
	clk := &fakeClock{}
	cfg, err := NewConfig(
		WithResponseBits(100),
		WithInterCharBits(20),
		WithQuiescence(time.Second),
		WithResetTimeout(5*time.Second),
		WithMissLimit(3),
		WithHighWater(100),
		WithTxQueueSize(8),
		WithClock(clk),
	)
	require.NoError(t, err)

	bit := time.Second / DefaultBaudRate
	require.Equal(t, 100*bit, cfg.ResponseTimeout())
	require.Equal(t, 20*bit, cfg.InterCharTimeout())
	require.Equal(t, time.Second, cfg.Quiescence())
	require.Equal(t, 5*time.Second, cfg.ResetTimeout())
	require.Equal(t, 3, cfg.MissLimit())
	require.Equal(t, 100, cfg.HighWater())
	require.Equal(t, 8, cfg.TxQueueSize())
	require.Same(t, Clock(clk), cfg.GetClock())
}
