package core

import "errors"

// Error kinds surfaced to the transport layer. Every failure returned by the
// service wraps exactly one of these.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrProfileMismatch  = errors.New("voice profile model mismatch")
	ErrNotFound         = errors.New("not found")
	ErrModelLoadFailure = errors.New("model load failure")
	ErrSynthesis        = errors.New("synthesis failure")
	ErrExport           = errors.New("export failure")
)

// Kind names used on the wire.
const (
	KindInvalidRequest   = "InvalidRequest"
	KindProfileMismatch  = "ProfileMismatch"
	KindNotFound         = "NotFound"
	KindModelLoadFailure = "ModelLoadFailure"
	KindSynthesis        = "SynthesisFailure"
	KindExport           = "ExportFailure"
	KindInternal         = "Internal"
)

var kindOrder = []struct {
	err  error
	kind string
}{
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrProfileMismatch, KindProfileMismatch},
	{ErrNotFound, KindNotFound},
	{ErrModelLoadFailure, KindModelLoadFailure},
	{ErrSynthesis, KindSynthesis},
	{ErrExport, KindExport},
}

// KindOf classifies err. Errors that wrap none of the kinds are Internal.
func KindOf(err error) string {
	for _, entry := range kindOrder {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}

	return KindInternal
}
