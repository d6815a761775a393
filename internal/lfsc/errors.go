package lfsc

import (
	"fmt"

	"github.com/fly-apps/litevfs/internal/vfserr"
)

// PosMismatchError is returned when LFSC reports that a requested position
// is no longer valid (code "EPOSMISMATCH"). classify below tags it with
// vfserr.CodePosMismatch; the vfsfacade handle boundary is what then
// translates that into the engine's distinguished I/O error via
// vfserr.EngineCodeOf.
type PosMismatchError struct {
	Pos Pos
}

func (e *PosMismatchError) Error() string {
	return fmt.Sprintf("lfsc: pos mismatch, server is at %s", e.Pos)
}

// httpError wraps an LFSC application error ({httpCode, code, error}) with
// the HTTP status that carried it.
type httpError struct {
	status int
	body   appError
}

func (e *httpError) Error() string {
	return fmt.Sprintf("lfsc: http %d: %s: %s", e.status, e.body.Code, e.body.Error)
}

// classify maps an httpError (or a *PosMismatchError) to the vfserr taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if pm, ok := err.(*PosMismatchError); ok {
		return vfserr.New(vfserr.CodePosMismatch, op, pm)
	}
	he, ok := err.(*httpError)
	if !ok {
		return vfserr.New(vfserr.CodeOther, op, err)
	}
	if he.body.Code == "EPOSMISMATCH" && he.body.Pos != nil {
		return vfserr.New(vfserr.CodePosMismatch, op, &PosMismatchError{Pos: *he.body.Pos})
	}
	switch {
	case he.status == 404:
		return vfserr.New(vfserr.CodeNotFound, op, he)
	case he.status == 409:
		return vfserr.New(vfserr.CodeAlreadyExists, op, he)
	case he.body.Code == "EINVALID":
		return vfserr.New(vfserr.CodeInvalidData, op, he)
	default:
		return vfserr.New(vfserr.CodeOther, op, he)
	}
}
