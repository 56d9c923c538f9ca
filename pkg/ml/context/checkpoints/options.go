// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import "github.com/pkg/errors"

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// ParseBinFormat converts the output of BinFormat.String back to a BinFormat.
func ParseBinFormat(s string) (BinFormat, error) {
	switch s {
	case "gzip":
		return BinGZIP, nil
	case "uncompressed":
		return BinUncompressed, nil
	}
	return BinGZIP, errors.Wrapf(ErrUnsupportedCompression, "%q", s)
}
