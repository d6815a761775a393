package database

import "encoding/binary"

// SQLite database-header field offsets this package cares about. The
// remaining 100-byte header is opaque to LiteVFS and passed through
// untouched.
const (
	headerPageSizeOffset = 16
	headerWriteVerOffset = 18
	headerReadVerOffset  = 19
	headerCommitOffset   = 28
	headerAutoVacOffset  = 52
	fileHeaderSize       = 100
	walVersion           = 2
	nonWALVersion        = 1
)

// parseHeader reads the fields LiteVFS tracks out of page 1's raw bytes.
// data must be at least fileHeaderSize long.
type headerFields struct {
	pageSizeRaw uint16
	writeVer    byte
	readVer     byte
	commit      uint32
	autoVacuum  bool
}

func parseHeader(data []byte) (headerFields, bool) {
	if len(data) < fileHeaderSize {
		return headerFields{}, false
	}
	return headerFields{
		pageSizeRaw: binary.BigEndian.Uint16(data[headerPageSizeOffset : headerPageSizeOffset+2]),
		writeVer:    data[headerWriteVerOffset],
		readVer:     data[headerReadVerOffset],
		commit:      binary.BigEndian.Uint32(data[headerCommitOffset : headerCommitOffset+4]),
		autoVacuum:  binary.BigEndian.Uint32(data[headerAutoVacOffset:headerAutoVacOffset+4]) != 0,
	}, true
}

func isWAL(h headerFields) bool { return h.writeVer == walVersion || h.readVer == walVersion }

// maskWALVersionBytes rewrites the read/write-version bytes of a page-1
// buffer back to non-WAL values, so the engine never observes a WAL
// marker through LiteVFS (WAL databases are opened read-only here).
// bufOffset is the file offset the first byte of buf corresponds to.
func maskWALVersionBytes(buf []byte, bufOffset int64) {
	for _, off := range []int64{headerWriteVerOffset, headerReadVerOffset} {
		if idx := off - bufOffset; idx >= 0 && idx < int64(len(buf)) {
			buf[idx] = nonWALVersion
		}
	}
}

// coversCommitRange reports whether a buffer at bufOffset of length n
// overlaps the 4-byte commit-size field.
func coversCommitRange(bufOffset int64, n int) bool {
	return rangesOverlap(bufOffset, int64(n), headerCommitOffset, 4)
}

func rangesOverlap(aOff, aLen, bOff, bLen int64) bool {
	return aOff < bOff+bLen && bOff < aOff+aLen
}

// parseCommitField decodes a 4-byte big-endian commit-page-count field.
func parseCommitField(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}
