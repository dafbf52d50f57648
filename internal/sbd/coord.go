package sbd

import (
	"fmt"
	"math"
	"strings"
)

// Mode selects how encoded coordinate integers are interpreted. The set is
// closed; the codec is chosen once per decode and applied uniformly to the
// current pair and every history pair.
type Mode int

const (
	// ModeDisabled reports encoded integers only.
	ModeDisabled Mode = iota
	// ModeLinear divides the encoded integer by a fixed scale.
	ModeLinear
	// ModeDDMM interprets the scaled value as packed degrees-minutes
	// (DDMM.mmmm) and converts it to decimal degrees.
	ModeDDMM
)

func (m Mode) String() string {
	switch m {
	case ModeLinear:
		return "linear"
	case ModeDDMM:
		return "ddmm"
	default:
		return "raw"
	}
}

// ParseMode maps a flag or config token to a Mode. Accepted values are
// "ddmm", "linear", and "raw" or "disabled".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ddmm":
		return ModeDDMM, nil
	case "linear":
		return ModeLinear, nil
	case "raw", "disabled", "":
		return ModeDisabled, nil
	}
	return ModeDisabled, fmt.Errorf("unknown coordinate mode %q", s)
}

// Default scales for the two conversion modes.
const (
	DefaultLinearScale = 1e7
	DefaultDDMMScale   = 1e4
)

// CodecConfig is the coordinate conversion strategy for one decode call.
type CodecConfig struct {
	Mode  Mode
	Scale float64
}

// LinearCodec returns a linear codec with the default 1e7 scale.
func LinearCodec() CodecConfig {
	return CodecConfig{Mode: ModeLinear, Scale: DefaultLinearScale}
}

// DDMMCodec returns a DDMM.mmmm codec with the default 1e4 scale.
func DDMMCodec() CodecConfig {
	return CodecConfig{Mode: ModeDDMM, Scale: DefaultDDMMScale}
}

// CodecFor resolves a mode token and scale into a codec. A zero scale picks
// the mode's default; raw mode ignores the scale entirely.
func CodecFor(modeName string, scale float64) (CodecConfig, error) {
	mode, err := ParseMode(modeName)
	if err != nil {
		return CodecConfig{}, err
	}
	if scale == 0 {
		switch mode {
		case ModeLinear:
			scale = DefaultLinearScale
		case ModeDDMM:
			scale = DefaultDDMMScale
		}
	}
	return CodecConfig{Mode: mode, Scale: scale}, nil
}

// Enabled reports whether the codec computes degrees at all. A zero scale in
// linear mode is the explicit raw-only configuration; a non-positive DDMM
// scale disables conversion the same way rather than failing the decode.
func (c CodecConfig) Enabled() bool {
	switch c.Mode {
	case ModeLinear:
		return c.Scale != 0
	case ModeDDMM:
		return c.Scale > 0
	}
	return false
}

// Degrees converts one encoded coordinate. ok is false when conversion is
// disabled and no degrees value exists for this codec.
func (c CodecConfig) Degrees(enc int32) (deg float64, ok bool) {
	if !c.Enabled() {
		return 0, false
	}
	if c.Mode == ModeLinear {
		return float64(enc) / c.Scale, true
	}
	return ddmmToDecimal(enc, c.Scale), true
}

// ddmmToDecimal converts a signed DDMM.mmmm integer to decimal degrees.
// After scaling, the last two integer digits are whole minutes and the rest
// whole degrees; the sign is split off first so it survives the conversion.
func ddmmToDecimal(enc int32, scale float64) float64 {
	sign := 1.0
	if enc < 0 {
		sign = -1.0
	}
	v := math.Abs(float64(enc)) / scale
	deg := math.Floor(v / 100)
	min := v - deg*100
	return sign * (deg + min/60)
}

// FormatDegrees renders a degrees value with the integer part zero-padded to
// at least two digits (longer integer parts keep all digits) and exactly six
// rounded fractional digits. Negative values get a bare minus, never a plus.
func FormatDegrees(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
	}
	// Width 9 covers 2 integer digits, the point, and 6 decimals. The sign
	// is prepended manually because %0*f counts it toward the width.
	return sign + fmt.Sprintf("%09.6f", math.Abs(v))
}
