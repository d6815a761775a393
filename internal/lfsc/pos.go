package lfsc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Pos identifies a database state at LFSC: a monotonically increasing TXID
// paired with the checksum that results from applying it. The zero value is
// the "null position" of an empty database.
type Pos struct {
	TXID              uint64
	PostApplyChecksum uint64
}

// IsZero reports whether p is the null position.
func (p Pos) IsZero() bool { return p.TXID == 0 && p.PostApplyChecksum == 0 }

// Less orders positions by TXID only; two positions with equal TXID are
// considered equal for sync-advancement purposes.
func (p Pos) Less(o Pos) bool { return p.TXID < o.TXID }

func (p Pos) String() string {
	return fmt.Sprintf("%016x/%016x", p.TXID, p.PostApplyChecksum)
}

// encodeHex16 renders v as a fixed 16-character lowercase hex string, the
// wire encoding LFSC uses for both halves of a Pos.
func encodeHex16(v uint64) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(v)
		v >>= 8
	}
	return hex.EncodeToString(buf[:])
}

func decodeHex16(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("lfsc: pos component %q: want 16 hex chars", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("lfsc: pos component %q: %w", s, err)
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// wirePos is the JSON shape LFSC uses for a position: a pair of 16-char hex
// strings, e.g. {"txid":"0000000000000005","postApplyChecksum":"..."}.
// Both-zero strings denote the null position.
type wirePos struct {
	TXID              string `json:"txid"`
	PostApplyChecksum string `json:"postApplyChecksum"`
}

func (p Pos) toWire() wirePos {
	return wirePos{TXID: encodeHex16(p.TXID), PostApplyChecksum: encodeHex16(p.PostApplyChecksum)}
}

func (w wirePos) toPos() (Pos, error) {
	txid, err := decodeHex16(w.TXID)
	if err != nil {
		return Pos{}, err
	}
	cksum, err := decodeHex16(w.PostApplyChecksum)
	if err != nil {
		return Pos{}, err
	}
	return Pos{TXID: txid, PostApplyChecksum: cksum}, nil
}

func (p Pos) MarshalJSON() ([]byte, error) {
	w := p.toWire()
	return fmt.Appendf(nil, `{"txid":%q,"postApplyChecksum":%q}`, w.TXID, w.PostApplyChecksum), nil
}

func (p *Pos) UnmarshalJSON(data []byte) error {
	var w wirePos
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	pos, err := w.toPos()
	if err != nil {
		return err
	}
	*p = pos
	return nil
}
