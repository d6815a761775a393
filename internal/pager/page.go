package pager

import "github.com/fly-apps/litevfs/internal/ltx"

// Page owns a byte buffer of PageSize length plus its page number; its
// checksum is derived lazily and cached, since most pages are read once
// and never checksummed again.
type Page struct {
	Number   ltx.PageNumber
	Data     []byte
	checksum *ltx.Checksum
}

// NewPage wraps data (not copied) as a Page for number.
func NewPage(number ltx.PageNumber, data []byte) *Page {
	return &Page{Number: number, Data: data}
}

// Checksum returns (and memoizes) the page's content-addressed checksum.
func (p *Page) Checksum() ltx.Checksum {
	if p.checksum == nil {
		c := ltx.PageChecksum(p.Number, p.Data)
		p.checksum = &c
	}
	return *p.checksum
}

// PageRef borrows a Page's bytes without taking ownership — in Go this is
// just a read-only view over the same backing slice, used where the
// caller promises not to retain it past the call (e.g. put_page, which
// copies into a pooled write buffer before returning).
type PageRef struct {
	Number ltx.PageNumber
	Data   []byte
}

// Ref returns a non-owning PageRef over p.
func (p *Page) Ref() PageRef { return PageRef{Number: p.Number, Data: p.Data} }
