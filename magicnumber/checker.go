// Package magicnumber sniffs the MIME type of a stream from its leading
// bytes, rejecting streams whose type isn't in an allow-list.
package magicnumber

import (
	"errors"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

// the number of bytes filetype needs to recognise every type it knows.
const minBytesNeeded = 261

// Unknown is reported as the MatchedMIME of accepted streams whose type
// couldn't be detected.
const Unknown = "application/octet-stream"

// ErrUnsupportedFile is returned when the detected MIME type of the file isn't
// accepted by the Checker.
var ErrUnsupportedFile = errors.New("unsupported file type")

// Checker is an io.WriteCloser that detects the MIME type of the data written
// to it. Entries in SupportedMIMEs are either full MIME types ("image/png")
// or a top-level type followed by a wildcard ("video/*"). An empty
// SupportedMIMEs accepts everything, in which case the Checker only records
// what it saw.
//
// Once a type is detected, MatchedMIME is set and further writes are no-ops.
// If a type is detected that isn't supported, ErrUnsupportedFile is returned
// from that Write and from Close.
type Checker struct {
	SupportedMIMEs []string
	MatchedMIME    string

	buf      []byte
	rejected bool
}

// Write buffers data until enough is available to detect a MIME type.
func (m *Checker) Write(b []byte) (int, error) {
	if m.rejected {
		return len(b), ErrUnsupportedFile
	}
	if m.MatchedMIME != "" {
		return len(b), nil
	}
	m.buf = append(m.buf, b...)
	if len(m.buf) < minBytesNeeded {
		return len(b), nil
	}
	if err := m.check(); err != nil {
		return len(b), err
	}
	return len(b), nil
}

// Close makes a final detection attempt on whatever was written, which is
// how files shorter than the sniffing window get checked.
func (m *Checker) Close() error {
	if m.rejected {
		return ErrUnsupportedFile
	}
	if m.MatchedMIME != "" {
		return nil
	}
	return m.check()
}

func (m *Checker) check() error {
	kind, err := filetype.Match(m.buf)
	m.buf = nil
	if err != nil || kind == filetype.Unknown {
		kind = types.Type{MIME: types.NewMIME(Unknown)}
	}
	if !m.accepts(kind.MIME) {
		m.rejected = true
		return ErrUnsupportedFile
	}
	m.MatchedMIME = kind.MIME.Value
	return nil
}

func (m *Checker) accepts(mime types.MIME) bool {
	if len(m.SupportedMIMEs) < 1 {
		return true
	}
	for _, supported := range m.SupportedMIMEs {
		if strings.EqualFold(supported, mime.Value) {
			return true
		}
		if prefix, ok := strings.CutSuffix(supported, "/*"); ok && strings.EqualFold(prefix, mime.Type) {
			return true
		}
	}
	return false
}
