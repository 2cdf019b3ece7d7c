package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashCodeString 将字符串键进行Hash
func HashCodeString(key string) uint64 {
	return xxhash.ChecksumString64(key)
}
