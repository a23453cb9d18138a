package verify

import "hash/crc32"

// CRC32 advances a running CRC-32 over the next chunk using the gzip/zlib
// ones-complement convention: the accumulator is inverted around the core
// update, so CRC32(0, p1+p2) == CRC32(CRC32(0, p1), p2) and a zero seed over
// a whole buffer matches the standard ISO-HDLC checksum.
func CRC32(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, p)
}
