package verify

import (
	"hash/crc32"
	"testing"

	"gotest.tools/assert"
)

func TestCRC32MatchesStandardChecksum(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, CRC32(0, data), crc32.ChecksumIEEE(data))
}

func TestCRC32SplitsAssociatively(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	whole := CRC32(0, data)
	for split := 0; split <= len(data); split++ {
		assert.Equal(t, CRC32(CRC32(0, data[:split]), data[split:]), whole)
	}
}
