package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum utilities for record and metadata integrity.
// Uses CRC32 (Castagnoli) which has hardware support on amd64 and arm64.

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// UpdateChecksum extends a running checksum with more data
func UpdateChecksum(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32Table, data)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum appends a 4-byte little-endian checksum to the data
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data)+4)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// ValidateAndStripChecksum validates the trailing checksum and returns data without it
// Returns (data, valid) where valid indicates if checksum was correct
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < 4 {
		return nil, false
	}

	dataLen := len(dataWithChecksum) - 4
	data := dataWithChecksum[:dataLen]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[dataLen:])

	return data, ValidateChecksum(data, expected)
}
