package bidib

import "strconv"

// Progressive wire scales.
//
// Current and speed values travel as a single byte each. Both use monotonic
// piecewise-linear scales: fine resolution near zero, coarse resolution at
// the top of the range. Decoding is exact; encoding rounds to the nearest
// representable value. Each pair round-trips exactly: a decoded current
// re-encodes to the same wire code, and an encoded speed step decodes back
// to the same step.

// Special current wire codes.
const (
	CurrentOvercurrent byte = 0xFE
	CurrentUnknown     byte = 0xFF
)

// currentRange describes one linear segment of the current scale.
// Wire values lo..hi map to (v-sub)*mul milliamperes.
type currentRange struct {
	lo, hi byte
	sub    int
	mul    int
}

var currentRanges = []currentRange{
	{1, 15, 0, 1},        // 1..15 mA, 1 mA steps
	{16, 63, 12, 4},      // 16..204 mA, 4 mA steps
	{64, 127, 51, 16},    // 208..1216 mA, 16 mA steps
	{128, 191, 108, 64},  // 1280..5312 mA, 64 mA steps
	{192, 250, 171, 256}, // 5376..20224 mA, 256 mA steps
}

// maxCurrentMA is the largest representable current.
const maxCurrentMA = (250 - 171) * 256

// EncodeCurrent maps a current in milliamperes to its one-byte wire code,
// rounding to the nearest representable value. Values above the top of the
// scale saturate at the maximum regular code; negative values map to 0.
func EncodeCurrent(mA int) byte {
	if mA <= 0 {
		return 0
	}
	if mA >= maxCurrentMA {
		return currentRanges[len(currentRanges)-1].hi
	}

	for _, r := range currentRanges {
		top := (int(r.hi) - r.sub) * r.mul
		if mA <= top {
			v := r.sub + (mA+r.mul/2)/r.mul
			if v < int(r.lo) {
				v = int(r.lo)
			}
			if v > int(r.hi) {
				v = int(r.hi)
			}

			return byte(v)
		}
	}

	return currentRanges[len(currentRanges)-1].hi
}

// DecodeCurrent maps a one-byte wire code back to milliamperes. The special
// codes CurrentOvercurrent and CurrentUnknown (and the reserved codes
// between) decode to -1.
func DecodeCurrent(v byte) int {
	if v == 0 {
		return 0
	}

	for _, r := range currentRanges {
		if v >= r.lo && v <= r.hi {
			return (int(v) - r.sub) * r.mul
		}
	}

	return -1
}

// SpeedFormat identifies a drive speed-step format.
type SpeedFormat uint8

const (
	Speed14  SpeedFormat = 14
	Speed27  SpeedFormat = 27
	Speed28  SpeedFormat = 28
	Speed126 SpeedFormat = 126
)

// Steps returns the number of movement steps of the format.
func (f SpeedFormat) Steps() int { return int(f) }

// String returns the conventional format name, e.g. "DCC28".
func (f SpeedFormat) String() string {
	return "DCC" + strconv.Itoa(int(f))
}

// Special speed wire codes shared by all formats.
const (
	SpeedStop          byte = 0 // regular stop
	SpeedEmergencyStop byte = 1 // immediate stop, no deceleration
)

// EncodeSpeed maps a step of the given format onto the unified 127-step wire
// scale: 0 stays stop, steps 1..N map monotonically onto 2..127. Steps above
// the format's range saturate at 127.
func EncodeSpeed(f SpeedFormat, step int) byte {
	m := f.Steps()
	if step <= 0 || m <= 0 {
		return SpeedStop
	}
	if step >= m {
		return 127
	}

	return byte(1 + 126*step/m)
}

// DecodeSpeed is the exact inverse of EncodeSpeed for every wire value that
// EncodeSpeed produces. The emergency-stop code decodes to -1.
func DecodeSpeed(f SpeedFormat, v byte) int {
	switch v {
	case SpeedStop:
		return 0
	case SpeedEmergencyStop:
		return -1
	}

	m := f.Steps()
	// ceil((v-1)*m / 126)
	return ((int(v)-1)*m + 125) / 126
}
