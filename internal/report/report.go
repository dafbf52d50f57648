// Package report renders decoded SBD frames as the fixed-layout text
// report used for payload inspection. Rendering is presentation only; it
// never re-interprets wire data.
package report

import (
	"fmt"
	"strings"

	"sbd_decoder/internal/sbd"
)

// Render returns the text report for one decode result. Field order is
// fixed: raw length, header, current position, battery, timer, then the
// payload sections that were actually decoded, the unknown tail, and every
// note in emission order.
func Render(res *sbd.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Raw length: %d\n", res.RawLen)
	fmt.Fprintf(&b, "Header byte0=0x%02X byte1=0x%02X\n", res.Header.Byte0, res.Header.Byte1)
	fmt.Fprintf(&b, "  version=%d msg_type=%d\n", res.Header.Version, res.Header.MsgType)
	fmt.Fprintf(&b, "  has_payload=%v needs_ack=%v low_power=%v\n",
		res.Header.HasPayload, res.Header.NeedsAck, res.Header.LowPower)

	fmt.Fprintf(&b, "Current coords: %s\n", pair(res.Current))
	fmt.Fprintf(&b, "Battery code: %d\n", res.BatteryCode)
	fmt.Fprintf(&b, "Iridium timer: %d\n", res.Timer)

	if res.TLV != nil {
		fmt.Fprintf(&b, "TLV: type=%d len=%d\n", res.TLV.Type, res.TLV.Length)
		fmt.Fprintf(&b, "  value(hex)=%s\n", res.TLV.Value)
		if len(res.TLV.Value) > 0 {
			fmt.Fprintf(&b, "  bits(msb first)=%s\n", bitString(res.TLV))
		}
	}

	// History and period were only parsed once the TLV came out whole.
	if res.TLV.Complete() {
		fmt.Fprintf(&b, "GNSS history entries: %d (latest-first)\n", len(res.History))
		for i, p := range res.History {
			fmt.Fprintf(&b, "  [%d] %s\n", i, pair(p))
		}
		if res.Period != nil {
			fmt.Fprintf(&b, "Recording period: hour=%d minute=%d\n", res.Period.Hour, res.Period.Minute)
		}
	}

	if len(res.Tail) > 0 {
		fmt.Fprintf(&b, "Unknown tail bytes (%d): %s\n", len(res.Tail), res.Tail)
	}

	if len(res.Notes) > 0 {
		b.WriteString("Errors/Notes:\n")
		for _, n := range res.Notes {
			fmt.Fprintf(&b, "  - [%s] %s\n", n.Severity, n.Message)
		}
	}

	return b.String()
}

// pair renders one coordinate pair: formatted degrees with the encoded
// integers in parentheses, or the encoded integers alone when conversion
// is disabled.
func pair(p sbd.CoordinatePair) string {
	if p.Lat.Text == "" && p.Lon.Text == "" {
		return fmt.Sprintf("lat_enc=%d lon_enc=%d", p.Lat.Encoded, p.Lon.Encoded)
	}
	return fmt.Sprintf("lat=%s lon=%s (lat_enc=%d lon_enc=%d)",
		p.Lat.Text, p.Lon.Text, p.Lat.Encoded, p.Lon.Encoded)
}

func bitString(t *sbd.TLVRecord) string {
	var b strings.Builder
	for i, bit := range t.Bits() {
		if i > 0 && i%8 == 0 {
			b.WriteByte(' ')
		}
		if bit {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
