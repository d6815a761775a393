// Package ltx implements the LTX (log-transaction) file format: the atomic,
// content-addressed artifact LiteVFS ships to LFSC on every commit. It also
// owns the page-checksum primitive shared by the pager and the database
// layer.
//
// The on-disk shape is Header → Page records (ascending page number) →
// trailing checksum.
package ltx

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"
)

// PageNumber is a 1-based page identifier; PageNumber 1 is always the
// database header page.
type PageNumber uint32

// PageSize is the database's page size in bytes. Valid values form the set
// {512, 1024, ..., 65536}; on disk, 65536 is encoded as 1 in the 16-bit
// header field at offset 16.
type PageSize uint32

// ValidPageSizes enumerates the page sizes the format allows.
var ValidPageSizes = [...]PageSize{512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

// Valid reports whether ps is one of the allowed page sizes.
func (ps PageSize) Valid() bool {
	for _, v := range ValidPageSizes {
		if v == ps {
			return true
		}
	}
	return false
}

// DecodeHeaderPageSize interprets the raw 16-bit value found at database
// header offset 16, where the sentinel 1 means 65536.
func DecodeHeaderPageSize(raw uint16) PageSize {
	if raw == 1 {
		return 65536
	}
	return PageSize(raw)
}

// EncodeHeaderPageSize is the inverse of DecodeHeaderPageSize.
func EncodeHeaderPageSize(ps PageSize) uint16 {
	if ps == 65536 {
		return 1
	}
	return uint16(ps)
}

// TXID is a 64-bit monotonically increasing transaction identifier; 0 is
// reserved to mean "none".
type TXID uint64

// Checksum is the 64-bit, content-addressed, per-page checksum, and also
// the type used for the running XOR accumulator and LTX footer.
type Checksum uint64

// PageChecksum computes the checksum of a single page: a pure function of
// the page number and its bytes, salted by the page number so that two
// pages holding identical bytes at different positions in the file still
// produce distinct checksums. It does not depend on the transaction Pos it
// was read or written under: per-commit checksums are XOR-composed into a
// running total, and that only converges to the whole-database checksum if
// a page's checksum never varies with the commit it happened to be touched
// in.
func PageChecksum(pgno PageNumber, data []byte) Checksum {
	h := fnv.New64a()
	var salt [4]byte
	binary.BigEndian.PutUint32(salt[:], uint32(pgno))
	h.Write(salt[:])
	h.Write(data)
	return Checksum(h.Sum64())
}

// Flags on an LTX file header.
type Flags uint32

const (
	// FlagCompressed is reserved for future use; LiteVFS never sets it.
	FlagCompressed Flags = 1 << 0
)

// Header is the fixed-size prefix of an LTX file.
type Header struct {
	Flags            Flags
	PageSize         PageSize
	Commit           PageNumber // number of logical pages in the database after this LTX
	MinTXID          TXID
	MaxTXID          TXID  // equal to MinTXID for single-transaction commits
	Timestamp        int64 // unix millis
	PreApplyChecksum Checksum
	HasPreApply      bool // false when the database was empty before this LTX
}

// headerSize is the encoded size of Header, in bytes.
const headerSize = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 1

// pageRecordOverhead is the per-page fixed cost ahead of the raw page
// bytes: page number (4) + pre-apply checksum (8) + had-pre-apply flag (1).
const pageRecordOverhead = 4 + 8 + 1

// MarshalBinary encodes h into its wire form.
func (h Header) MarshalBinary() ([]byte, error) {
	if !h.PageSize.Valid() {
		return nil, fmt.Errorf("ltx: invalid page size %d", h.PageSize)
	}
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Flags))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.PageSize))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Commit))
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.MinTXID))
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.MaxTXID))
	binary.BigEndian.PutUint64(buf[28:36], uint64(h.Timestamp))
	binary.BigEndian.PutUint64(buf[36:44], uint64(h.PreApplyChecksum))
	if h.HasPreApply {
		buf[44] = 1
	}
	return buf, nil
}

// UnmarshalBinary decodes a Header from its wire form.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("ltx: short header: %d bytes", len(buf))
	}
	h.Flags = Flags(binary.BigEndian.Uint32(buf[0:4]))
	h.PageSize = PageSize(binary.BigEndian.Uint32(buf[4:8]))
	h.Commit = PageNumber(binary.BigEndian.Uint32(buf[8:12]))
	h.MinTXID = TXID(binary.BigEndian.Uint64(buf[12:20]))
	h.MaxTXID = TXID(binary.BigEndian.Uint64(buf[20:28]))
	h.Timestamp = int64(binary.BigEndian.Uint64(buf[28:36]))
	h.PreApplyChecksum = Checksum(binary.BigEndian.Uint64(buf[36:44]))
	h.HasPreApply = buf[44] != 0
	if !h.PageSize.Valid() {
		return fmt.Errorf("ltx: invalid page size %d", h.PageSize)
	}
	return nil
}

// PageRecord is one page entry within an LTX file: a page number, the
// checksum that page carried immediately before this edit (so a decoder
// can XOR it back out when reconstructing the running database checksum),
// and exactly PageSize bytes of the page's new content.
//
// HadPreApply is false when the page did not exist before this edit (the
// common case for the first LTX ever written against a database); the old
// checksum then contributes 0 to the running total instead of being read.
type PageRecord struct {
	Pgno             PageNumber
	PreApplyChecksum Checksum
	HadPreApply      bool
	Data             []byte
}

// delta is the contribution this record makes to the running database
// checksum: XOR out whatever the page checksummed to before the edit (or
// nothing at all, if it didn't exist), XOR in what it checksums to now.
func (pr PageRecord) delta() Checksum {
	var old Checksum
	if pr.HadPreApply {
		old = pr.PreApplyChecksum
	}
	return old ^ PageChecksum(pr.Pgno, pr.Data)
}

// File is a fully-built, in-memory LTX artifact: header, ascending page
// records, and the trailing running-XOR checksum.
type File struct {
	Header   Header
	Pages    []PageRecord // must be sorted ascending by Pgno
	Checksum Checksum
}

// Encode serializes f to its on-disk byte representation.
func (f *File) Encode() ([]byte, error) {
	hdr, err := f.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	size := int(f.Header.PageSize)
	buf := make([]byte, 0, len(hdr)+len(f.Pages)*(pageRecordOverhead+size)+8)
	buf = append(buf, hdr...)
	for i, pr := range f.Pages {
		if len(pr.Data) != size {
			return nil, fmt.Errorf("ltx: page %d: want %d bytes, got %d", pr.Pgno, size, len(pr.Data))
		}
		if i > 0 && pr.Pgno <= f.Pages[i-1].Pgno {
			return nil, fmt.Errorf("ltx: pages out of order at index %d", i)
		}
		var head [13]byte
		binary.BigEndian.PutUint32(head[0:4], uint32(pr.Pgno))
		binary.BigEndian.PutUint64(head[4:12], uint64(pr.PreApplyChecksum))
		if pr.HadPreApply {
			head[12] = 1
		}
		buf = append(buf, head[:]...)
		buf = append(buf, pr.Data...)
	}
	var footer [8]byte
	binary.BigEndian.PutUint64(footer[:], uint64(f.Checksum))
	buf = append(buf, footer[:]...)
	return buf, nil
}

// Decode parses a full LTX byte stream, validating the trailing checksum
// matches a fresh recomputation over the page records: starting from
// Header.PreApplyChecksum (or 0 when HasPreApply is false), each record's
// delta XORs out its pre-edit checksum and XORs in its new one. This is
// why every record carries its own pre-apply checksum rather than just the
// new page bytes: without it, a decoder has no way to undo what the
// previous commit contributed for a page it didn't touch again.
func Decode(data []byte) (*File, error) {
	var hdr Header
	if err := hdr.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	body := data[headerSize:]
	if len(body) < 8 {
		return nil, fmt.Errorf("ltx: truncated file")
	}
	pageBody := body[:len(body)-8]
	footer := body[len(body)-8:]

	size := int(hdr.PageSize)
	stride := pageRecordOverhead + size
	if len(pageBody)%stride != 0 {
		return nil, fmt.Errorf("ltx: page body not a multiple of record size")
	}
	n := len(pageBody) / stride
	pages := make([]PageRecord, 0, n)
	var running Checksum
	if hdr.HasPreApply {
		running = hdr.PreApplyChecksum
	}
	var prev PageNumber
	for i := 0; i < n; i++ {
		off := i * stride
		pgno := PageNumber(binary.BigEndian.Uint32(pageBody[off : off+4]))
		preApply := Checksum(binary.BigEndian.Uint64(pageBody[off+4 : off+12]))
		hadPreApply := pageBody[off+12] != 0
		dataCopy := make([]byte, size)
		copy(dataCopy, pageBody[off+13:off+13+size])
		if i > 0 && pgno <= prev {
			return nil, fmt.Errorf("ltx: page %d out of order", pgno)
		}
		prev = pgno
		pr := PageRecord{Pgno: pgno, PreApplyChecksum: preApply, HadPreApply: hadPreApply, Data: dataCopy}
		pages = append(pages, pr)
		running ^= pr.delta()
	}
	want := Checksum(binary.BigEndian.Uint64(footer))
	if running != want {
		return nil, fmt.Errorf("ltx: checksum mismatch: computed %016x, footer %016x", uint64(running), uint64(want))
	}
	return &File{Header: hdr, Pages: pages, Checksum: want}, nil
}

// Now is overridable in tests; production code always uses time.Now.
var Now = time.Now
