package db

import (
	"encoding/binary"

	"github.com/roach88/kernel/internal/ir"
)

// Index key layouts. Attribute idents never contain 0x00 (schema rejects
// them), so the null byte terminates the attribute part of a key.
//
//	eav: e(8) a 0x00 key(v)
//	aev: a 0x00 e(8) key(v)
//	ave: a 0x00 len(key(v))(4) key(v) e(8)
//	vae: target(8) a 0x00 e(8)
//
// Between them the four orders serve entity scans, column scans, value
// lookups and reverse references.

func eavKey(e ir.EID, a string, v ir.Value) []byte {
	return append(eavPrefix(e, a), ir.Key(v)...)
}

func eavPrefix(e ir.EID, a string) []byte {
	k := make([]byte, 0, 8+len(a)+1)
	k = append(k, e.Bytes()...)
	k = append(k, a...)
	return append(k, 0)
}

func entityPrefix(e ir.EID) []byte {
	return e.Bytes()
}

func aevKey(a string, e ir.EID, v ir.Value) []byte {
	return append(aevPrefix(a, e), ir.Key(v)...)
}

func aevPrefix(a string, e ir.EID) []byte {
	return append(columnPrefix(a), e.Bytes()...)
}

func columnPrefix(a string) []byte {
	k := make([]byte, 0, len(a)+1)
	k = append(k, a...)
	return append(k, 0)
}

func aveKey(a string, v ir.Value, e ir.EID) []byte {
	return append(avePrefix(a, v), e.Bytes()...)
}

func avePrefix(a string, v ir.Value) []byte {
	vk := ir.Key(v)
	k := columnPrefix(a)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(vk)))
	k = append(k, n[:]...)
	return append(k, vk...)
}

func vaeKey(target ir.EID, a string, e ir.EID) []byte {
	k := make([]byte, 0, 8+len(a)+1+8)
	k = append(k, target.Bytes()...)
	k = append(k, a...)
	k = append(k, 0)
	return append(k, e.Bytes()...)
}

func refsPrefix(target ir.EID) []byte {
	return target.Bytes()
}
