package qmf

import "errors"

var (
	ErrInvalidMagic     = errors.New("qmf: invalid magic")
	ErrUnsupportedMajor = errors.New("qmf: unsupported major version")
	ErrUnsupportedMinor = errors.New("qmf: unsupported section version")
	ErrCorruptFile      = errors.New("qmf: corrupt file")
)
