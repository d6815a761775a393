package syncer

// Pos mirrors lfsc.Pos structurally so this package does not need to
// import lfsc directly (see pager.RemoteFetcher for the same pattern);
// the composition root adapts between the two.
type Pos struct {
	TXID              uint64
	PostApplyChecksum uint64
}

// IsZero reports whether p is the null position sentinel.
func (p Pos) IsZero() bool { return p.TXID == 0 && p.PostApplyChecksum == 0 }
