package sbd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HexBytes is a byte slice that marshals to a lowercase hex string in JSON
// instead of base64.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hex bytes: %w", err)
	}
	*h = b
	return nil
}

func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// Coordinate is one encoded coordinate with its derived decimal degrees.
// Degrees and Text are absent when conversion is disabled.
type Coordinate struct {
	Encoded int32    `json:"enc"`
	Degrees *float64 `json:"deg,omitempty"`
	Text    string   `json:"deg_fmt,omitempty"`
}

// CoordinatePair is a latitude/longitude pair. The same codec interprets
// the current pair and every history pair.
type CoordinatePair struct {
	Lat Coordinate `json:"lat"`
	Lon Coordinate `json:"lon"`
}

// TLVRecord is the type-length-value record at the start of the payload
// section. Value may be shorter than Length when the frame ends early.
type TLVRecord struct {
	Type   uint8    `json:"type"`
	Length uint8    `json:"length"`
	Value  HexBytes `json:"value,omitempty"`
}

// Complete reports whether the declared value length was satisfied.
func (t *TLVRecord) Complete() bool {
	return t != nil && len(t.Value) == int(t.Length)
}

// Bits returns the value bits, most significant first within each byte.
func (t *TLVRecord) Bits() []bool {
	bits := make([]bool, 0, len(t.Value)*8)
	for _, b := range t.Value {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>i)&1 == 1)
		}
	}
	return bits
}

// RecordingPeriod is the hour/minute interval closing the payload section.
// Values are reported as-is, with no range validation.
type RecordingPeriod struct {
	Hour   uint8 `json:"hour"`
	Minute uint8 `json:"minute"`
}

// Severity classifies a Note.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Note is a non-fatal diagnostic recorded during decoding. Notes keep their
// emission order so a report reads like a trace of the decode.
type Note struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the outcome of decoding one frame. It owns all derived values;
// nothing in it aliases the input buffer, so the buffer may be discarded
// after decoding. Results are read-only once returned.
type Result struct {
	RawLen      int              `json:"raw_len"`
	Header      Header           `json:"header"`
	Current     CoordinatePair   `json:"current"`
	BatteryCode uint8            `json:"battery_code"`
	Timer       uint16           `json:"iri_timer"`
	TLV         *TLVRecord       `json:"tlv,omitempty"`
	History     []CoordinatePair `json:"gnss_history,omitempty"`
	Period      *RecordingPeriod `json:"recording_period,omitempty"`
	Tail        HexBytes         `json:"unknown_tail,omitempty"`
	Notes       []Note           `json:"notes,omitempty"`
}

func (r *Result) note(sev Severity, format string, args ...any) {
	r.Notes = append(r.Notes, Note{Severity: sev, Message: fmt.Sprintf(format, args...)})
}
