// Package image supplies the byte runs a flash operation works through,
// from either a raw binary file or an Intel HEX file.
package image

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/ccflash/ccflash/pkg/ihex"
)

// Run is a contiguous span of image bytes anchored at a flash address. Each
// run is fed to one download window.
type Run struct {
	Addr uint32
	Data []byte
}

// Source yields the image's runs in file order. Next returns io.EOF when
// the image is exhausted.
type Source interface {
	Next() (Run, error)
}

// Format is the image file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatBinary
	FormatHex
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatHex:
		return "intel hex"
	}
	return "unknown"
}

// DetectFormat picks the image format from the file extension. The
// extension is the sole format cue; callers treat unknown as Intel HEX
// after warning.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin":
		return FormatBinary
	case ".hex":
		return FormatHex
	}
	return FormatUnknown
}

// binarySource yields a raw binary image as a single run at the
// caller-supplied start address.
type binarySource struct {
	run  Run
	done bool
}

// NewBinary creates a source over raw image bytes anchored at start.
func NewBinary(data []byte, start uint32) Source {
	return &binarySource{run: Run{Addr: start, Data: data}}
}

func (s *binarySource) Next() (Run, error) {
	if s.done {
		return Run{}, io.EOF
	}
	s.done = true
	return s.run, nil
}

// hexSource yields the contiguous runs reassembled from an Intel HEX
// stream.
type hexSource struct {
	p *ihex.Parser
}

// NewHex creates a source over an Intel HEX stream.
func NewHex(r io.Reader) Source {
	return &hexSource{p: ihex.NewParser(r)}
}

func (s *hexSource) Next() (Run, error) {
	addr, data, err := s.p.Next()
	if err != nil {
		return Run{}, err
	}
	return Run{Addr: addr, Data: data}, nil
}
