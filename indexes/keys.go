package indexes

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash"

	"github.com/anvilcms/anvil/schema"
)

// KindID identifies a kind inside index keys.
func KindID(gvk schema.GVK) uint64 {
	return xxhash.Sum64String(gvk.String())
}

func IndexID(name string) uint64 {
	return xxhash.Sum64String(name)
}

// escAppend appends an order-preserving NUL-terminated escaping of
// src: 0x00 becomes 0x00 0xff, the terminator is 0x00 0x01. Shorter
// prefixes sort first and no escaped segment is a prefix of another.
func escAppend(dst, src []byte) []byte {
	for _, b := range src {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xff)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x01)
}

func membershipKey(kid uint64, localName string) []byte {
	key := []byte{'I', 'F'}
	key = binary.BigEndian.AppendUint64(key, kid)
	return append(key, localName...)
}

func membershipPrefix(kid uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'I', 'F'}, kid)
}

func labelKey(kid uint64, labelKey, labelValue, localName string) []byte {
	key := []byte{'I', 'L'}
	key = binary.BigEndian.AppendUint64(key, kid)
	key = escAppend(key, []byte(labelKey))
	key = escAppend(key, []byte(labelValue))
	return append(key, localName...)
}

// labelKeyPrefix covers all values of one label key.
func labelKeyPrefix(kid uint64, labelKey string) []byte {
	key := []byte{'I', 'L'}
	key = binary.BigEndian.AppendUint64(key, kid)
	return escAppend(key, []byte(labelKey))
}

// labelValuePrefix covers all local names of one (key, value) pair.
func labelValuePrefix(kid uint64, labelKey, labelValue string) []byte {
	key := labelKeyPrefix(kid, labelKey)
	return escAppend(key, []byte(labelValue))
}

func labelPrefix(kid uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'I', 'L'}, kid)
}

func valueKey(kid, iid uint64, v Value, localName string) []byte {
	key := valuePrefix(kid, iid)
	key = escAppend(key, v.encode())
	return append(key, localName...)
}

func valueEqPrefix(kid, iid uint64, v Value) []byte {
	return escAppend(valuePrefix(kid, iid), v.encode())
}

// kindValuePrefix covers every value index of the kind.
func kindValuePrefix(kid uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'I', 'V'}, kid)
}

func valuePrefix(kid, iid uint64) []byte {
	key := []byte{'I', 'V'}
	key = binary.BigEndian.AppendUint64(key, kid)
	return binary.BigEndian.AppendUint64(key, iid)
}

func taskKey(kid uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'I', 'T'}, kid)
}

func dirtyKey(kid uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'I', 'D'}, kid)
}

var (
	taskRangeStart  = []byte{'I', 'T'}
	taskRangeEnd    = []byte{'I', 'U'}
	dirtyRangeStart = []byte{'I', 'D'}
	dirtyRangeEnd   = []byte{'I', 'E'}
)

// localNameOf recovers the trailing local name of an escaped index
// key. Local names contain no NUL, so the last 0x00 in the key is the
// final terminator.
func localNameOf(key []byte) string {
	if i := bytes.LastIndexByte(key, 0x00); i >= 0 && i+2 <= len(key) {
		return string(key[i+2:])
	}
	return ""
}

// prefixEnd is the exclusive upper bound of a prefix scan.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
