package sysex

import "fmt"

// Mcoded7 packs arbitrary 8-bit data into 7-bit-safe bytes for transport
// inside SysEx. Each group of up to seven data bytes is preceded by one
// lead byte collecting their high bits: bit 6 of the lead byte is the MSB
// of the first data byte, bit 5 of the second, and so on.

// EncodeMcoded7 converts 8-bit data to its 7-bit-safe representation.
func EncodeMcoded7(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, 0, len(data)+(len(data)+6)/7)
	for start := 0; start < len(data); start += 7 {
		end := start + 7
		if end > len(data) {
			end = len(data)
		}
		group := data[start:end]

		var lead byte
		for i, b := range group {
			if b&0x80 != 0 {
				lead |= 1 << (6 - i)
			}
		}
		out = append(out, lead)
		for _, b := range group {
			out = append(out, b&0x7F)
		}
	}
	return out
}

// DecodeMcoded7 restores 8-bit data from its Mcoded7 representation.
func DecodeMcoded7(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	if i := firstNon7Bit(encoded); i >= 0 {
		return nil, fmt.Errorf("mcoded7 byte %d is not 7-bit clean: 0x%02X", i, encoded[i])
	}

	out := make([]byte, 0, len(encoded)-(len(encoded)+7)/8)
	for start := 0; start < len(encoded); start += 8 {
		end := start + 8
		if end > len(encoded) {
			end = len(encoded)
		}
		group := encoded[start:end]
		if len(group) < 2 {
			return nil, fmt.Errorf("dangling mcoded7 lead byte at offset %d", start)
		}
		lead := group[0]
		for i, b := range group[1:] {
			if lead&(1<<(6-i)) != 0 {
				b |= 0x80
			}
			out = append(out, b)
		}
	}
	return out, nil
}
