package arena

import "encoding/binary"

// Length-prefixed byte strings. A string block is a 4-byte little-endian
// length followed by the bytes; the block address doubles as a map key word,
// so strings must live in the arena like everything else the tagged words
// reference.

const stringHeader = 4

// AllocString copies b into a fresh length-prefixed block and returns its
// address.
func AllocString(b []byte) uintptr {
	p := Alloc(stringHeader + len(b))
	binary.LittleEndian.PutUint32(Bytes(p, stringHeader), uint32(len(b)))
	copy(Bytes(p+stringHeader, len(b)), b)
	return p
}

// StringBytes returns the payload of the string block at p. The slice aliases
// arena memory and is valid until the block is freed.
func StringBytes(p uintptr) []byte {
	n := int(binary.LittleEndian.Uint32(Bytes(p, stringHeader)))
	return Bytes(p+stringHeader, n)
}
