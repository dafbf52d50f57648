package sbd

// Header holds the decoded 2-byte frame header. The raw bytes are kept
// alongside the parsed fields so reports can show both.
type Header struct {
	Byte0 byte `json:"byte0"`
	Byte1 byte `json:"byte1"`

	Version    uint8 `json:"version"`  // top 3 bits of byte 0
	MsgType    uint8 `json:"msg_type"` // low 5 bits of byte 0
	HasPayload bool  `json:"has_payload"`
	NeedsAck   bool  `json:"needs_ack"`
	LowPower   bool  `json:"low_power"`
}

// decodeHeader extracts the header fields from the first two frame bytes.
// Bits of byte 1 beyond the three flags are reserved and ignored on read.
func decodeHeader(byte0, byte1 byte) Header {
	return Header{
		Byte0:      byte0,
		Byte1:      byte1,
		Version:    (byte0 >> 5) & 0x07,
		MsgType:    byte0 & 0x1F,
		HasPayload: byte1&0x01 != 0,
		NeedsAck:   (byte1>>1)&0x01 != 0,
		LowPower:   (byte1>>2)&0x01 != 0,
	}
}
