// Package tlv walks type-length-value lists both in RAM and backed by a
// memory slot. The RAM variant can find a node by tag, enumerate nodes,
// or measure a list up to its 0xFFFF end marker; the slot variant only
// finds a node by tag.
package tlv

import (
	"encoding/binary"

	"sbm/internal/memdev"
)

// EndTag terminates every TLV list in this codebase.
const EndTag uint16 = 0xFFFF

// HeaderSize is the size of the (tag, value_len) pair preceding every
// node's value.
const HeaderSize = 4

// Node is a single decoded (tag, value) pair plus the absolute offset of
// its value, so callers can re-read or overwrite it in place.
type Node struct {
	Tag         uint16
	ValueOffset int
	ValueLen    int
}

func roundUp4(n int) int { return (n + 3) &^ 3 }

// WalkRAM scans buf for the first node whose tag matches want, stopping at
// the end marker, a zero-length value, or the end of buf. It returns the
// node and true on a match, or the cursor positioned just past the
// terminator (or past the last valid node, if the list runs off the end of
// buf without a terminator) and false otherwise.
func WalkRAM(buf []byte, want uint16) (Node, int, bool) {
	cursor := 0
	for cursor+HeaderSize <= len(buf) {
		tag := binary.LittleEndian.Uint16(buf[cursor : cursor+2])
		valLen := int(binary.LittleEndian.Uint16(buf[cursor+2 : cursor+4]))
		if tag == EndTag || valLen == 0 {
			return Node{}, cursor + HeaderSize, false
		}
		valStart := cursor + HeaderSize
		advance := HeaderSize + roundUp4(valLen)
		if valStart+valLen > len(buf) {
			return Node{}, cursor, false
		}
		if tag == want {
			return Node{Tag: tag, ValueOffset: valStart, ValueLen: valLen}, cursor + advance, true
		}
		cursor += advance
	}
	return Node{}, cursor, false
}

// ScanEnd returns the total byte length of the TLV list starting at
// offset 0 in buf, counting up to and including its terminator. It
// reports false if the list runs off the end of buf before a
// terminator is found.
func ScanEnd(buf []byte) (int, bool) {
	cursor := 0
	for cursor+HeaderSize <= len(buf) {
		tag := binary.LittleEndian.Uint16(buf[cursor : cursor+2])
		valLen := int(binary.LittleEndian.Uint16(buf[cursor+2 : cursor+4]))
		if tag == EndTag || valLen == 0 {
			return cursor + HeaderSize, true
		}
		valStart := cursor + HeaderSize
		advance := HeaderSize + roundUp4(valLen)
		if valStart+valLen > len(buf) {
			return 0, false
		}
		cursor += advance
	}
	return 0, false
}

// EachRAM enumerates every node in buf until the terminator, end of buffer,
// or visit returns false.
func EachRAM(buf []byte, visit func(Node) bool) {
	cursor := 0
	for cursor+HeaderSize <= len(buf) {
		tag := binary.LittleEndian.Uint16(buf[cursor : cursor+2])
		valLen := int(binary.LittleEndian.Uint16(buf[cursor+2 : cursor+4]))
		if tag == EndTag || valLen == 0 {
			return
		}
		valStart := cursor + HeaderSize
		if valStart+valLen > len(buf) {
			return
		}
		if !visit(Node{Tag: tag, ValueOffset: valStart, ValueLen: valLen}) {
			return
		}
		cursor += HeaderSize + roundUp4(valLen)
	}
}

// WalkSlot is the slot-backed variant: it repeatedly reads a header at
// cursor and advances, treating any read failure as end-of-list.
func WalkSlot(slot *memdev.Slot, start int64, want uint16) (Node, int64, bool) {
	cursor := start
	header := make([]byte, HeaderSize)
	for {
		if err := slot.Read(cursor, header); err != nil {
			return Node{}, cursor, false
		}
		tag := binary.LittleEndian.Uint16(header[0:2])
		valLen := int(binary.LittleEndian.Uint16(header[2:4]))
		if tag == EndTag || valLen == 0 {
			return Node{}, cursor + HeaderSize, false
		}
		valStart := cursor + HeaderSize
		advance := int64(HeaderSize + roundUp4(valLen))
		if tag == want {
			return Node{Tag: tag, ValueOffset: int(valStart), ValueLen: valLen}, cursor + advance, true
		}
		cursor += advance
	}
}

// ReadValue reads a node's value out of a slot given its offset/length
// (as returned by WalkSlot).
func ReadValue(slot *memdev.Slot, n Node) ([]byte, error) {
	buf := make([]byte, n.ValueLen)
	if err := slot.Read(int64(n.ValueOffset), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Encode packs a single (tag, value) node, 32-bit aligned, with no
// terminator. Used by provtool to assemble TLV payloads.
func Encode(tag uint16, value []byte) []byte {
	out := make([]byte, HeaderSize+roundUp4(len(value)))
	binary.LittleEndian.PutUint16(out[0:2], tag)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(value)))
	copy(out[HeaderSize:], value)
	return out
}

// EncodeTerminator returns the 4-byte 0xFFFF end marker.
func EncodeTerminator() []byte {
	out := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(out[0:2], EndTag)
	return out
}
