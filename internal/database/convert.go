package database

import (
	"github.com/fly-apps/litevfs/internal/lfsc"
	"github.com/fly-apps/litevfs/internal/pager"
	"github.com/fly-apps/litevfs/internal/syncer"
)

// toPagerPos and toSyncerPos adapt lfsc.Pos, the canonical position type
// this package uses, to the structurally identical Pos types pager and
// syncer define for themselves (see pager.RemoteFetcher for why those
// packages don't import lfsc directly).
func toPagerPos(p lfsc.Pos) pager.PosArg {
	return pager.PosArg{TXID: p.TXID, PostApplyChecksum: p.PostApplyChecksum}
}

func toSyncerPos(p lfsc.Pos) syncer.Pos {
	return syncer.Pos{TXID: p.TXID, PostApplyChecksum: p.PostApplyChecksum}
}

func fromSyncerPos(p syncer.Pos) lfsc.Pos {
	return lfsc.Pos{TXID: p.TXID, PostApplyChecksum: p.PostApplyChecksum}
}
