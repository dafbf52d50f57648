package sbd

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeHexFixture(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err, "bad hex fixture %q", s)
	return b
}

// TestDecodeGoldenFrame walks one realistic tracker frame end to end:
// version 5 telemetry with low-power flag, a 3-byte TLV, one history fix,
// and a 30-minute recording period.
func TestDecodeGoldenFrame(t *testing.T) {
	raw := decodeHexFixture(t, "a305030ecb72fff907ab5a0e102103c0ffee030eb50cfff90ea8001e")

	res, err := Decode(raw, DDMMCodec())
	require.NoError(t, err)
	require.NotNil(t, res)

	require.Equal(t, 28, res.RawLen)

	require.Equal(t, byte(0xA3), res.Header.Byte0)
	require.Equal(t, byte(0x05), res.Header.Byte1)
	require.Equal(t, uint8(5), res.Header.Version)
	require.Equal(t, uint8(3), res.Header.MsgType)
	require.True(t, res.Header.HasPayload)
	require.False(t, res.Header.NeedsAck)
	require.True(t, res.Header.LowPower)

	require.Equal(t, int32(51301234), res.Current.Lat.Encoded)
	require.Equal(t, int32(-456789), res.Current.Lon.Encoded)
	require.Equal(t, "51.502057", res.Current.Lat.Text)
	require.Equal(t, "-00.761315", res.Current.Lon.Text)
	require.NotNil(t, res.Current.Lat.Degrees)
	require.InDelta(t, 51.502057, *res.Current.Lat.Degrees, 1e-6)

	require.Equal(t, uint8(0x5A), res.BatteryCode)
	require.Equal(t, uint16(3600), res.Timer)

	require.NotNil(t, res.TLV)
	require.Equal(t, uint8(0x21), res.TLV.Type)
	require.Equal(t, uint8(3), res.TLV.Length)
	require.Equal(t, "c0ffee", res.TLV.Value.String())
	require.True(t, res.TLV.Complete())

	require.Len(t, res.History, 1)
	require.Equal(t, int32(51295500), res.History[0].Lat.Encoded)
	require.Equal(t, int32(-455000), res.History[0].Lon.Encoded)
	require.Equal(t, "51.492500", res.History[0].Lat.Text)
	require.Equal(t, "-00.758333", res.History[0].Lon.Text)

	require.NotNil(t, res.Period)
	require.Equal(t, uint8(0), res.Period.Hour)
	require.Equal(t, uint8(30), res.Period.Minute)

	require.Empty(t, res.Notes)
	require.Empty(t, res.Tail)
}

// TestDecodeGoldenFrameLinear decodes the same buffer under the linear
// codec; only the derived degrees change, never the wire fields.
func TestDecodeGoldenFrameLinear(t *testing.T) {
	raw := decodeHexFixture(t, "a305030ecb72fff907ab5a0e102103c0ffee030eb50cfff90ea8001e")

	res, err := Decode(raw, LinearCodec())
	require.NoError(t, err)

	require.Equal(t, int32(51301234), res.Current.Lat.Encoded)
	require.Equal(t, "05.130123", res.Current.Lat.Text)
	require.Equal(t, "-00.045679", res.Current.Lon.Text)
	require.Empty(t, res.Notes)
}
