package sbd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// Inverse constructions for the two codecs. Encoding is not part of the
// package; these exist only to state the round-trip property.

func linearEncode(deg, scale float64) int32 {
	return int32(math.Round(deg * scale))
}

func ddmmEncode(deg int, minutes float64, negative bool, scale float64) int32 {
	v := float64(deg)*100 + minutes
	enc := int32(math.Round(v * scale))
	if negative {
		return -enc
	}
	return enc
}

func TestLinearRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		deg := rapid.Float64Range(-90, 90).Draw(t, "deg")

		enc := linearEncode(deg, DefaultLinearScale)
		got, ok := LinearCodec().Degrees(enc)

		assert.True(t, ok, "conversion disabled for enc %d", enc)
		// Rounding to an integer loses at most half an encoding unit.
		assert.InDelta(t, deg, got, 0.5/DefaultLinearScale+1e-9)
	})
}

func TestDDMMRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		deg := rapid.IntRange(0, 89).Draw(t, "deg")
		minutes := rapid.Float64Range(0, 59.9999).Draw(t, "minutes")
		negative := rapid.Bool().Draw(t, "negative")

		enc := ddmmEncode(deg, minutes, negative, DefaultDDMMScale)
		got, ok := DDMMCodec().Degrees(enc)

		assert.True(t, ok, "conversion disabled for enc %d", enc)
		want := float64(deg) + minutes/60
		if negative {
			want = -want
		}
		// Scale rounding perturbs minutes by at most 0.5/scale.
		assert.InDelta(t, want, got, 0.5/DefaultDDMMScale/60+1e-9)
	})
}

func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "raw")

		res, err := Decode(raw, DDMMCodec())
		if len(raw) < MinFrameLen {
			assert.Error(t, err)
			assert.Nil(t, res)
			return
		}
		assert.NoError(t, err)
		if assert.NotNil(t, res) {
			assert.Equal(t, len(raw), res.RawLen)
		}
	})
}
