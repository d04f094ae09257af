package cru

import (
	"encoding/binary"

	"github.com/det-lab/rocdaq/roc"
)

// The CRU prefixes every event with a two-word (64-byte) header.  These
// accessors pull the interesting fields out of a page's raw bytes.

// HeaderSize is the event header size in bytes.
const HeaderSize = 64

// HeaderSizeWords is the event header size in 256-bit words.
const HeaderSizeWords = 2

func word(data []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(data[4*i:])
}

// LinkID extracts the link the event arrived on.
func LinkID(data []byte) uint32 {
	return roc.Bits(word(data, 2), 8, 15)
}

// EventSize extracts the event payload size.
func EventSize(data []byte) uint32 {
	return roc.Bits(word(data, 3), 8, 23)
}
