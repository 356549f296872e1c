// Package domain holds the core types shared across the fetch pipeline:
// asset identifiers, discard levels, capability classes, and image buffers.
package domain

import (
	"github.com/google/uuid"
)

// AssetID is the 128-bit unique identifier of a compressed image asset.
// It is comparable and usable as a map key.
type AssetID = uuid.UUID

// NilAsset is the zero AssetID.
var NilAsset = uuid.Nil

// ParseAssetID parses a canonical textual asset ID.
func ParseAssetID(s string) (AssetID, error) {
	return uuid.Parse(s)
}

// Discard level bounds. Level 0 is the full asset; each higher level
// halves the dimensions, so higher levels need a shorter byte prefix.
const (
	MaxDiscardLevel = 5
)

// CodecTag identifies the compression format of a formatted byte buffer.
type CodecTag uint8

const (
	CodecInvalid CodecTag = iota
	CodecRGB
	CodecJ2C
	CodecBMP
	CodecTGA
	CodecJPEG
	CodecPNG
)

// String returns the short name of the codec.
func (c CodecTag) String() string {
	switch c {
	case CodecRGB:
		return "rgb"
	case CodecJ2C:
		return "j2c"
	case CodecBMP:
		return "bmp"
	case CodecTGA:
		return "tga"
	case CodecJPEG:
		return "jpeg"
	case CodecPNG:
		return "png"
	default:
		return "invalid"
	}
}

// FormattedBytes is a contiguous byte prefix of a compressed asset.
// HaveAll implies len(Data) == the asset's full file size, and the codec
// tag is stable from the first successful decode onward.
type FormattedBytes struct {
	Data    []byte
	Codec   CodecTag
	HaveAll bool
}

// Len returns the number of bytes currently held.
func (f *FormattedBytes) Len() int {
	return len(f.Data)
}

// Reset drops the buffer and all flags.
func (f *FormattedBytes) Reset() {
	f.Data = nil
	f.Codec = CodecInvalid
	f.HaveAll = false
}

// RawImage is decoded pixel output. Handed to callers as a shared
// immutable reference; callers must not mutate Data.
type RawImage struct {
	Width      int
	Height     int
	Components int
	Data       []byte
}
