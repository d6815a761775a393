package vfsfacade

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fly-apps/litevfs/internal/vfserr"
)

// Kind classifies the engine's open() name into one of the three handle
// shapes the facade polymorphs over.
type Kind int

const (
	KindMainDB Kind = iota
	KindJournal
	KindTempDB
)

func (k Kind) String() string {
	switch k {
	case KindMainDB:
		return "main"
	case KindJournal:
		return "journal"
	case KindTempDB:
		return "temp"
	default:
		return "unknown"
	}
}

const (
	journalSuffix = "-journal"
	walSuffix     = "-wal"
	tempPrefix    = "sfvetil-"
)

// ClassifyName maps the engine's open() name to a Kind and, for a
// journal, the main database name it belongs to (the suffix stripped).
// A "*-wal" name is always refused: WAL mode is out of scope (spec §13).
func ClassifyName(name string) (Kind, string, error) {
	switch {
	case strings.HasSuffix(name, walSuffix):
		return 0, "", vfserr.New(vfserr.CodeUnsupported, "vfsfacade.classify_name", fmt.Errorf("wal files are not supported: %q", name))
	case strings.HasSuffix(name, journalSuffix):
		return KindJournal, strings.TrimSuffix(name, journalSuffix), nil
	case strings.HasPrefix(name, tempPrefix):
		return KindTempDB, name, nil
	default:
		return KindMainDB, name, nil
	}
}

var tempCounter uint64

// NextTempName produces a fresh temporary-database name of the form
// "sfvetil-<pidHex>_<monoCounterHex>.db", as the engine requests for
// scratch/temp tables.
func NextTempName() string {
	n := atomic.AddUint64(&tempCounter, 1)
	return fmt.Sprintf("%s%x_%x.db", tempPrefix, os.Getpid(), n)
}
