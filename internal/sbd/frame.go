// Package sbd decodes fixed-layout Iridium short-burst-data telemetry
// frames: a 2-byte header, a mandatory position/battery/timer section, and
// an optional payload carrying a TLV record, GNSS history pairs, and a
// recording period. Damaged input is decoded as far as possible; anomalies
// are accumulated as notes on the result rather than aborting.
package sbd

import "fmt"

// MinFrameLen is the smallest decodable frame: 2 header bytes plus the
// 11-byte fixed section.
const MinFrameLen = 13

// FrameTooShortError is the sole fatal decode failure. Anything at or above
// the minimum length decodes to a Result, however damaged.
type FrameTooShortError struct {
	Length int
}

func (e *FrameTooShortError) Error() string {
	return fmt.Sprintf("frame too short: %d bytes, need at least %d", e.Length, MinFrameLen)
}

// Decode runs one decode pass over raw. Stages are strictly sequential:
// header, fixed section, optional payload, trailing check. Past the minimum
// length check every anomaly becomes a Note on the Result; the returned
// Result shares no memory with raw.
func Decode(raw []byte, cfg CodecConfig) (*Result, error) {
	if len(raw) < MinFrameLen {
		return nil, &FrameTooShortError{Length: len(raw)}
	}

	cur := NewCursor(raw)
	res := &Result{RawLen: len(raw)}

	// Header. The minimum length check guarantees these reads.
	b0, _ := cur.TakeByte()
	b1, _ := cur.TakeByte()
	res.Header = decodeHeader(b0, b1)

	// Fixed section: current position, battery code, Iridium timer.
	latEnc, _ := cur.TakeInt32()
	lonEnc, _ := cur.TakeInt32()
	res.Current = makePair(latEnc, lonEnc, cfg)
	res.BatteryCode, _ = cur.TakeByte()
	res.Timer, _ = cur.TakeUint16()

	// Payload section. When the payload bit is unset but bytes remain, the
	// extra bytes are still decoded best-effort under the same rules; wire
	// data is reported, not discarded.
	if cur.Remaining() > 0 {
		if !res.Header.HasPayload {
			res.note(SeverityWarning, "no payload bit set, but %d extra bytes present", cur.Remaining())
		}
		decodePayload(cur, res, cfg)
	} else if res.Header.HasPayload {
		res.note(SeverityWarning, "payload bit set, but no payload bytes present")
	}

	// Trailing check: whatever payload decoding left unread is kept and
	// reported with its exact count.
	if rem := cur.Remaining(); rem > 0 {
		tail, _ := cur.Take(rem)
		res.Tail = append(res.Tail, tail...)
		res.note(SeverityWarning, "%d trailing bytes ignored", rem)
	}

	return res, nil
}

// decodePayload reads the TLV record, the GNSS history pairs, and the final
// recording period. Damage inside the payload never aborts the decode; the
// cursor is left where parsing stopped so the trailing check accounts for
// the rest.
func decodePayload(cur *Cursor, res *Result, cfg CodecConfig) {
	// TLV type and declared length, read as one unit.
	hdr, err := cur.Take(2)
	if err != nil {
		res.note(SeverityWarning, "TLV header %v", err)
		return
	}
	t := TLVRecord{Type: hdr[0], Length: hdr[1]}

	want := int(t.Length)
	if avail := cur.Remaining(); avail < want {
		b, _ := cur.Take(avail)
		t.Value = append(HexBytes(nil), b...)
		res.TLV = &t
		res.note(SeverityWarning, "TLV value truncated: need %d bytes, only %d available", want, avail)
		return
	}
	b, _ := cur.Take(want)
	t.Value = append(HexBytes(nil), b...)
	res.TLV = &t

	// History region: everything after the TLV value except the final two
	// bytes, which always belong to the recording period.
	rem := cur.Remaining()
	if rem < 2 {
		res.note(SeverityWarning, "payload present but missing final recording period (2 bytes)")
		return
	}
	region := rem - 2
	entries := region / 8
	leftover := region % 8
	if leftover != 0 {
		res.note(SeverityWarning, "non-multiple-of-8 bytes in history section: %d leftover bytes", leftover)
	}
	if entries > 0 {
		res.History = make([]CoordinatePair, 0, entries)
	}
	for i := 0; i < entries; i++ {
		hLat, _ := cur.TakeInt32()
		hLon, _ := cur.TakeInt32()
		res.History = append(res.History, makePair(hLat, hLon, cfg))
	}
	if leftover > 0 {
		skip, _ := cur.Take(leftover)
		res.Tail = append(res.Tail, skip...)
	}

	hour, _ := cur.TakeByte()
	minute, _ := cur.TakeByte()
	res.Period = &RecordingPeriod{Hour: hour, Minute: minute}
}

// makePair converts one encoded lat/lon pair through the active codec.
func makePair(latEnc, lonEnc int32, cfg CodecConfig) CoordinatePair {
	return CoordinatePair{
		Lat: makeCoordinate(latEnc, cfg),
		Lon: makeCoordinate(lonEnc, cfg),
	}
}

func makeCoordinate(enc int32, cfg CodecConfig) Coordinate {
	c := Coordinate{Encoded: enc}
	if deg, ok := cfg.Degrees(enc); ok {
		c.Degrees = &deg
		c.Text = FormatDegrees(deg)
	}
	return c
}
