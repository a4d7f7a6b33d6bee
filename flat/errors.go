package flat

import (
	"fmt"

	errorspkg "github.com/pkg/errors"
)

// MalformedManifestErr means image metadata was missing required fields or
// was structurally invalid.
type MalformedManifestErr struct {
	error
}

// ArchiveReadErr means a layer archive was truncated or corrupt.
type ArchiveReadErr struct {
	error
}

// ExtractionIOErr means local storage failed while writing extracted or
// squashed content.
type ExtractionIOErr struct {
	error
}

// PathEscapeErr means an entry would have been written outside the target
// root. It always aborts the enclosing operation.
type PathEscapeErr struct {
	error
}

// BrokenHardlinkErr means a hardlink's target had not been materialized when
// the link was applied.
type BrokenHardlinkErr struct {
	error
}

// AmbiguousImageCountErr means single-image semantics were requested but
// discovery found a different number of images.
type AmbiguousImageCountErr struct {
	Found int
}

func (e *AmbiguousImageCountErr) Error() string {
	return fmt.Sprintf("expected exactly one image, found %d", e.Found)
}

func NewMalformedManifestErr(err error) error {
	return &MalformedManifestErr{err}
}

func NewArchiveReadErr(err error) error {
	return &ArchiveReadErr{err}
}

func NewExtractionIOErr(err error) error {
	return &ExtractionIOErr{err}
}

func NewPathEscapeErr(err error) error {
	return &PathEscapeErr{err}
}

func NewBrokenHardlinkErr(err error) error {
	return &BrokenHardlinkErr{err}
}

func NewAmbiguousImageCountErr(found int) error {
	return &AmbiguousImageCountErr{Found: found}
}

func IsMalformedManifest(err error) bool {
	_, ok := errorspkg.Cause(err).(*MalformedManifestErr)
	return ok
}

func IsArchiveRead(err error) bool {
	_, ok := errorspkg.Cause(err).(*ArchiveReadErr)
	return ok
}

func IsExtractionIO(err error) bool {
	_, ok := errorspkg.Cause(err).(*ExtractionIOErr)
	return ok
}

func IsPathEscape(err error) bool {
	_, ok := errorspkg.Cause(err).(*PathEscapeErr)
	return ok
}

func IsBrokenHardlink(err error) bool {
	_, ok := errorspkg.Cause(err).(*BrokenHardlinkErr)
	return ok
}

func IsAmbiguousImageCount(err error) bool {
	_, ok := errorspkg.Cause(err).(*AmbiguousImageCountErr)
	return ok
}
