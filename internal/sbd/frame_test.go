package sbd

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func be32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// buildFrame assembles a test frame from the header bytes, the fixed
// section, and an arbitrary payload tail.
func buildFrame(b0, b1 byte, latEnc, lonEnc int32, battery byte, timer uint16, payload ...byte) []byte {
	f := []byte{b0, b1}
	f = append(f, be32(latEnc)...)
	f = append(f, be32(lonEnc)...)
	f = append(f, battery)
	f = append(f, be16(timer)...)
	return append(f, payload...)
}

func hasNote(res *Result, substr string) bool {
	for _, n := range res.Notes {
		if strings.Contains(n.Message, substr) {
			return true
		}
	}
	return false
}

func TestDecodeMinimalFrame(t *testing.T) {
	raw := buildFrame(0x23, 0x00, 51301234, -456789, 0x02, 1234)
	if len(raw) != MinFrameLen {
		t.Fatalf("fixture length = %d, want %d", len(raw), MinFrameLen)
	}

	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if res.RawLen != 13 {
		t.Errorf("RawLen = %d, want 13", res.RawLen)
	}
	if res.Header.Version != 1 || res.Header.MsgType != 3 {
		t.Errorf("header = version %d msg_type %d, want version 1 msg_type 3", res.Header.Version, res.Header.MsgType)
	}
	if res.Header.HasPayload || res.Header.NeedsAck || res.Header.LowPower {
		t.Errorf("flags = %+v, want all false", res.Header)
	}
	if res.Current.Lat.Encoded != 51301234 || res.Current.Lon.Encoded != -456789 {
		t.Errorf("current enc = %d/%d, want 51301234/-456789", res.Current.Lat.Encoded, res.Current.Lon.Encoded)
	}
	if res.BatteryCode != 0x02 {
		t.Errorf("BatteryCode = %d, want 2", res.BatteryCode)
	}
	if res.Timer != 1234 {
		t.Errorf("Timer = %d, want 1234", res.Timer)
	}
	if res.TLV != nil || res.History != nil || res.Period != nil {
		t.Errorf("payload fields populated on minimal frame: tlv=%v history=%v period=%v", res.TLV, res.History, res.Period)
	}
	if len(res.Notes) != 0 {
		t.Errorf("Notes = %v, want none", res.Notes)
	}
	if len(res.Tail) != 0 {
		t.Errorf("Tail = %x, want empty", res.Tail)
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 5, 12} {
		res, err := Decode(make([]byte, n), DDMMCodec())
		if res != nil {
			t.Errorf("Decode(%d bytes) result = %+v, want nil", n, res)
		}
		var fts *FrameTooShortError
		if !errors.As(err, &fts) {
			t.Fatalf("Decode(%d bytes) error type = %T, want *FrameTooShortError", n, err)
		}
		if fts.Length != n {
			t.Errorf("FrameTooShortError.Length = %d, want %d", fts.Length, n)
		}
	}

	_, err := Decode(make([]byte, 7), DDMMCodec())
	want := "frame too short: 7 bytes, need at least 13"
	if err == nil || err.Error() != want {
		t.Errorf("error = %v, want %q", err, want)
	}
}

func TestHeaderFlagBits(t *testing.T) {
	tests := []struct {
		name               string
		b0, b1             byte
		version, msgType   uint8
		payload, ack, lowP bool
	}{
		{"version 5 type 3", 0xA3, 0x01, 5, 3, true, false, false},
		{"needs ack only", 0x00, 0x02, 0, 0, false, true, false},
		{"low power only", 0xFF, 0x04, 7, 31, false, false, true},
		{"all flags", 0x41, 0x07, 2, 1, true, true, true},
		{"reserved bits ignored", 0x41, 0xF8, 2, 1, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := decodeHeader(tt.b0, tt.b1)
			if h.Version != tt.version {
				t.Errorf("Version = %d, want %d", h.Version, tt.version)
			}
			if h.MsgType != tt.msgType {
				t.Errorf("MsgType = %d, want %d", h.MsgType, tt.msgType)
			}
			if h.HasPayload != tt.payload || h.NeedsAck != tt.ack || h.LowPower != tt.lowP {
				t.Errorf("flags = %v/%v/%v, want %v/%v/%v",
					h.HasPayload, h.NeedsAck, h.LowPower, tt.payload, tt.ack, tt.lowP)
			}
			if h.Byte0 != tt.b0 || h.Byte1 != tt.b1 {
				t.Errorf("raw bytes = %02X %02X, want %02X %02X", h.Byte0, h.Byte1, tt.b0, tt.b1)
			}
		})
	}
}

func TestDecodeFullPayload(t *testing.T) {
	payload := []byte{0x01, 0x04, 0xDE, 0xAD, 0xBE, 0xEF} // TLV type 1, len 4
	payload = append(payload, be32(51299876)...)          // history[0]
	payload = append(payload, be32(-453210)...)
	payload = append(payload, be32(51288765)...) // history[1]
	payload = append(payload, be32(-451098)...)
	payload = append(payload, 0x01, 0x1E) // record every 1h30m

	raw := buildFrame(0xA3, 0x01, 51301234, -456789, 0x02, 1234, payload...)
	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if res.TLV == nil {
		t.Fatal("TLV = nil, want record")
	}
	if res.TLV.Type != 0x01 || res.TLV.Length != 4 {
		t.Errorf("TLV = type %d len %d, want type 1 len 4", res.TLV.Type, res.TLV.Length)
	}
	if res.TLV.Value.String() != "deadbeef" {
		t.Errorf("TLV value = %s, want deadbeef", res.TLV.Value)
	}
	if !res.TLV.Complete() {
		t.Error("TLV.Complete() = false, want true")
	}

	if len(res.History) != 2 {
		t.Fatalf("History length = %d, want 2", len(res.History))
	}
	if res.History[0].Lat.Encoded != 51299876 || res.History[0].Lon.Encoded != -453210 {
		t.Errorf("History[0] enc = %d/%d, want 51299876/-453210",
			res.History[0].Lat.Encoded, res.History[0].Lon.Encoded)
	}
	if res.History[1].Lat.Encoded != 51288765 || res.History[1].Lon.Encoded != -451098 {
		t.Errorf("History[1] enc = %d/%d, want 51288765/-451098",
			res.History[1].Lat.Encoded, res.History[1].Lon.Encoded)
	}

	if res.Period == nil || res.Period.Hour != 1 || res.Period.Minute != 30 {
		t.Errorf("Period = %+v, want hour 1 minute 30", res.Period)
	}
	if len(res.Notes) != 0 {
		t.Errorf("Notes = %v, want none", res.Notes)
	}
}

func TestDecodeHistoryAlignment(t *testing.T) {
	// TLV with empty value, then 2 full pairs, 3 stray bytes, and the period.
	payload := []byte{0x07, 0x00}
	payload = append(payload, be32(100)...)
	payload = append(payload, be32(200)...)
	payload = append(payload, be32(300)...)
	payload = append(payload, be32(400)...)
	payload = append(payload, 0xAA, 0xBB, 0xCC)
	payload = append(payload, 0x02, 0x00)

	raw := buildFrame(0xA3, 0x01, 0, 0, 0, 0, payload...)
	res, err := Decode(raw, LinearCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if len(res.History) != 2 {
		t.Errorf("History length = %d, want 2", len(res.History))
	}
	if !hasNote(res, "non-multiple-of-8 bytes in history section: 3 leftover bytes") {
		t.Errorf("missing alignment note, got %v", res.Notes)
	}
	if res.Tail.String() != "aabbcc" {
		t.Errorf("Tail = %s, want aabbcc", res.Tail)
	}
	// The recording period is anchored to the end of the frame, past the
	// stray bytes.
	if res.Period == nil || res.Period.Hour != 2 || res.Period.Minute != 0 {
		t.Errorf("Period = %+v, want hour 2 minute 0", res.Period)
	}
	if hasNote(res, "trailing") {
		t.Errorf("unexpected trailing note: %v", res.Notes)
	}
}

func TestDecodeNoPayloadBitExtraBytes(t *testing.T) {
	payload := []byte{0x05, 0x02, 0x12, 0x34, 0x03, 0x0F} // TLV + period, no history
	raw := buildFrame(0x23, 0x00, 1000, 2000, 5, 60, payload...)

	res, err := Decode(raw, LinearCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	count := 0
	for _, n := range res.Notes {
		if strings.Contains(n.Message, "no payload bit set") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("no-payload-bit notes = %d, want exactly 1", count)
	}
	if res.Notes[0].Message != "no payload bit set, but 6 extra bytes present" {
		t.Errorf("first note = %q, want the no-payload-bit note", res.Notes[0].Message)
	}

	// Best-effort decode still ran over the extra bytes.
	if res.TLV == nil || res.TLV.Type != 0x05 || res.TLV.Value.String() != "1234" {
		t.Errorf("TLV = %+v, want type 5 value 1234", res.TLV)
	}
	if res.Period == nil || res.Period.Hour != 3 || res.Period.Minute != 15 {
		t.Errorf("Period = %+v, want hour 3 minute 15", res.Period)
	}
}

func TestDecodeTLVValueTruncated(t *testing.T) {
	payload := []byte{0x01, 0x0A, 0xDE, 0xAD, 0xBE, 0xEF} // declares 10, carries 4
	raw := buildFrame(0xA3, 0x01, 0, 0, 0, 0, payload...)

	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if res.TLV == nil {
		t.Fatal("TLV = nil, want partial record")
	}
	if res.TLV.Length != 10 || len(res.TLV.Value) != 4 {
		t.Errorf("TLV = declared %d carried %d, want declared 10 carried 4", res.TLV.Length, len(res.TLV.Value))
	}
	if res.TLV.Complete() {
		t.Error("TLV.Complete() = true, want false")
	}
	if !hasNote(res, "TLV value truncated: need 10 bytes, only 4 available") {
		t.Errorf("missing truncation note, got %v", res.Notes)
	}
	// Payload decoding stops at a truncated TLV.
	if res.History != nil || res.Period != nil {
		t.Errorf("history/period decoded past truncated TLV: %v %v", res.History, res.Period)
	}
	if hasNote(res, "trailing") {
		t.Errorf("unexpected trailing note: %v", res.Notes)
	}
}

func TestDecodeTLVHeaderTruncated(t *testing.T) {
	raw := buildFrame(0xA3, 0x01, 0, 0, 0, 0, 0x42) // one byte after the fixed section

	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if res.TLV != nil {
		t.Errorf("TLV = %+v, want nil", res.TLV)
	}
	if !hasNote(res, "TLV header truncated: need 2 bytes at offset 13, only 1 available") {
		t.Errorf("missing TLV header note, got %v", res.Notes)
	}
	if !hasNote(res, "1 trailing bytes ignored") {
		t.Errorf("missing trailing note, got %v", res.Notes)
	}
	if res.Tail.String() != "42" {
		t.Errorf("Tail = %s, want 42", res.Tail)
	}
}

func TestDecodeMissingRecordingPeriod(t *testing.T) {
	payload := []byte{0x01, 0x02, 0xAA, 0xBB, 0xCC} // complete TLV, then one stray byte
	raw := buildFrame(0xA3, 0x01, 0, 0, 0, 0, payload...)

	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if !res.TLV.Complete() {
		t.Error("TLV.Complete() = false, want true")
	}
	if res.Period != nil {
		t.Errorf("Period = %+v, want nil", res.Period)
	}
	if !hasNote(res, "missing final recording period") {
		t.Errorf("missing recording period note, got %v", res.Notes)
	}
	if !hasNote(res, "1 trailing bytes ignored") {
		t.Errorf("missing trailing note, got %v", res.Notes)
	}
	if res.Tail.String() != "cc" {
		t.Errorf("Tail = %s, want cc", res.Tail)
	}
}

func TestDecodePayloadBitWithoutBytes(t *testing.T) {
	raw := buildFrame(0xA3, 0x01, 0, 0, 0, 0)

	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}
	if len(res.Notes) != 1 || !hasNote(res, "payload bit set, but no payload bytes present") {
		t.Errorf("Notes = %v, want single payload-bit note", res.Notes)
	}
}

func TestDecodeZeroHistoryEntries(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x00, 0x0A} // empty TLV, period 0h10m
	raw := buildFrame(0xA3, 0x01, 0, 0, 0, 0, payload...)

	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if len(res.History) != 0 {
		t.Errorf("History length = %d, want 0", len(res.History))
	}
	if res.Period == nil || res.Period.Hour != 0 || res.Period.Minute != 10 {
		t.Errorf("Period = %+v, want hour 0 minute 10", res.Period)
	}
	if len(res.Notes) != 0 {
		t.Errorf("Notes = %v, want none", res.Notes)
	}
}

func TestDecodeDisabledCodec(t *testing.T) {
	raw := buildFrame(0x23, 0x00, 51301234, -456789, 0, 0)

	res, err := Decode(raw, CodecConfig{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if res.Current.Lat.Degrees != nil || res.Current.Lat.Text != "" {
		t.Errorf("Lat = %+v, want encoded only", res.Current.Lat)
	}
	if res.Current.Lat.Encoded != 51301234 {
		t.Errorf("Lat.Encoded = %d, want 51301234", res.Current.Lat.Encoded)
	}
}

func TestDecodeResultOwnsItsBytes(t *testing.T) {
	payload := []byte{0x01, 0x02, 0xAA, 0xBB, 0x01, 0x05}
	raw := buildFrame(0xA3, 0x01, 0, 0, 0, 0, payload...)

	res, err := Decode(raw, DDMMCodec())
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	for i := range raw {
		raw[i] = 0xFF
	}
	if res.TLV.Value.String() != "aabb" {
		t.Errorf("TLV value changed with input buffer: %s", res.TLV.Value)
	}
}

func TestTLVBits(t *testing.T) {
	tlv := &TLVRecord{Type: 1, Length: 2, Value: HexBytes{0xA5, 0x01}}

	bits := tlv.Bits()
	want := []bool{true, false, true, false, false, true, false, true,
		false, false, false, false, false, false, false, true}
	if len(bits) != len(want) {
		t.Fatalf("Bits() length = %d, want %d", len(bits), len(want))
	}
	for i := range want {
		if bits[i] != want[i] {
			t.Errorf("Bits()[%d] = %v, want %v", i, bits[i], want[i])
		}
	}
}
