package bidib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrentScaleRoundTrip(t *testing.T) {
	require := require.New(t)

	// every regular wire code decodes and re-encodes to itself
	for v := 0; v <= 250; v++ {
		mA := DecodeCurrent(byte(v))
		require.GreaterOrEqual(mA, 0, "code %d", v)
		require.Equal(byte(v), EncodeCurrent(mA), "code %d decoded to %d mA", v, mA)
	}
}

func TestCurrentScaleMonotonic(t *testing.T) {
	require := require.New(t)

	prev := DecodeCurrent(0)
	for v := 1; v <= 250; v++ {
		cur := DecodeCurrent(byte(v))
		require.Greater(cur, prev, "code %d", v)
		prev = cur
	}
}

func TestCurrentScaleBreakpoints(t *testing.T) {
	require := require.New(t)

	require.Equal(0, DecodeCurrent(0))
	require.Equal(15, DecodeCurrent(15))
	require.Equal(16, DecodeCurrent(16))
	require.Equal(204, DecodeCurrent(63))
	require.Equal(208, DecodeCurrent(64))
	require.Equal(1216, DecodeCurrent(127))
	require.Equal(1280, DecodeCurrent(128))
	require.Equal(5312, DecodeCurrent(191))
	require.Equal(5376, DecodeCurrent(192))
	require.Equal(20224, DecodeCurrent(250))

	require.Equal(-1, DecodeCurrent(CurrentOvercurrent))
	require.Equal(-1, DecodeCurrent(CurrentUnknown))

	require.Equal(byte(0), EncodeCurrent(-5))
	require.Equal(byte(250), EncodeCurrent(1_000_000)) // saturates
}

func TestSpeedScaleRoundTrip(t *testing.T) {
	for _, f := range []SpeedFormat{Speed14, Speed27, Speed28, Speed126} {
		f := f
		t.Run(f.String(), func(t *testing.T) {
			require := require.New(t)

			require.Equal(SpeedStop, EncodeSpeed(f, 0))
			require.Equal(0, DecodeSpeed(f, SpeedStop))
			require.Equal(-1, DecodeSpeed(f, SpeedEmergencyStop))

			prev := byte(1)
			for step := 1; step <= f.Steps(); step++ {
				v := EncodeSpeed(f, step)
				require.Greater(v, prev, "step %d", step)
				require.Equal(step, DecodeSpeed(f, v), "wire %d", v)
				prev = v
			}

			// the top step always maps to the top of the wire scale
			require.Equal(byte(127), EncodeSpeed(f, f.Steps()))
			require.Equal(byte(127), EncodeSpeed(f, f.Steps()+10))
		})
	}
}
