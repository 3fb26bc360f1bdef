// Package wire frames ledger records stored in byte providers.
//
// Account:
//
//	magic(4) | ver(1) | kind(1=account) | gen(u64 be) | plen(u32 be) | payload(plen)
//
// Index:
//
//	magic(4) | ver(1) | kind(2=index) | n(u32 be)
//	n * ( idLen(u16 be) | id(idLen) | gen(u64 be) )
//
// The payload is whatever the configured codec produced. Decoders reject
// foreign bytes, short frames and trailing garbage with ErrCorrupt.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version     byte = 1
	kindAccount byte = 1
	kindIndex   byte = 2

	accountHdr = 4 + 1 + 1 + 8 + 4
	indexHdr   = 4 + 1 + 1 + 4
)

var (
	ErrCorrupt = errors.New("capital: corrupt stored record")
	magic      = [4]byte{'C', 'A', 'P', 'L'}
)

func header(b []byte, kind byte, min int) bool {
	return len(b) >= min && bytes.Equal(b[:4], magic[:]) && b[4] == version && b[5] == kind
}

func EncodeAccount(gen uint64, payload []byte) []byte {
	b := make([]byte, accountHdr, accountHdr+len(payload))
	copy(b, magic[:])
	b[4] = version
	b[5] = kindAccount
	binary.BigEndian.PutUint64(b[6:14], gen)
	binary.BigEndian.PutUint32(b[14:18], uint32(len(payload)))
	return append(b, payload...)
}

func DecodeAccount(b []byte) (gen uint64, payload []byte, err error) {
	if !header(b, kindAccount, accountHdr) {
		return 0, nil, ErrCorrupt
	}
	gen = binary.BigEndian.Uint64(b[6:14])
	plen := int(binary.BigEndian.Uint32(b[14:18]))
	if plen != len(b)-accountHdr {
		return 0, nil, ErrCorrupt
	}
	return gen, b[accountHdr:], nil
}

// IndexEntry is one account in the index with the generation of its last
// write.
type IndexEntry struct {
	ID  string
	Gen uint64
}

func EncodeIndex(entries []IndexEntry) ([]byte, error) {
	size := indexHdr
	for _, e := range entries {
		if l := len(e.ID); l == 0 || l > 0xFFFF {
			return nil, errors.New("capital: index id length out of range")
		}
		size += 2 + len(e.ID) + 8
	}
	b := make([]byte, indexHdr, size)
	copy(b, magic[:])
	b[4] = version
	b[5] = kindIndex
	binary.BigEndian.PutUint32(b[6:10], uint32(len(entries)))

	var u8 [8]byte
	var u2 [2]byte
	for _, e := range entries {
		binary.BigEndian.PutUint16(u2[:], uint16(len(e.ID)))
		b = append(b, u2[:]...)
		b = append(b, e.ID...)
		binary.BigEndian.PutUint64(u8[:], e.Gen)
		b = append(b, u8[:]...)
	}
	return b, nil
}

func DecodeIndex(b []byte) ([]IndexEntry, error) {
	if !header(b, kindIndex, indexHdr) {
		return nil, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint32(b[6:10]))
	off := indexHdr
	// every entry takes at least 11 bytes
	if n > (len(b)-off)/11 {
		return nil, ErrCorrupt
	}
	out := make([]IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if l == 0 || off+l+8 > len(b) {
			return nil, ErrCorrupt
		}
		id := string(b[off : off+l])
		off += l
		out = append(out, IndexEntry{ID: id, Gen: binary.BigEndian.Uint64(b[off : off+8])})
		off += 8
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return out, nil
}
