package common

import (
	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

// PassCodec is the stand-in codec used by the CLI: it hands the
// compressed bytes through unchanged so assets can be fetched to disk
// without a JPEG-2000 decoder linked in. Deployments that need pixels
// plug their decoder into fetch.Deps.Codec instead.
type PassCodec struct{}

// SizeFor estimates the byte prefix needed for a discard level the way
// the wavelet codec lays out resolution levels: each level quarters the
// pixel count.
func (PassCodec) SizeFor(width, height, components, discard int) int {
	if discard < 0 {
		discard = 0
	}
	if discard > domain.MaxDiscardLevel {
		discard = domain.MaxDiscardLevel
	}
	pixels := (width >> discard) * (height >> discard)
	size := pixels * components / 8 // rough wavelet compression ratio
	if size < 1024 {
		size = 1024
	}
	return size
}

// Decode completes immediately with the bytes wrapped as a single-row
// raw image.
func (PassCodec) Decode(req transport.DecodeRequest, done func(transport.DecodeResult)) {
	go func() {
		done(transport.DecodeResult{
			Raw: &domain.RawImage{
				Width:      len(req.Data),
				Height:     1,
				Components: 1,
				Data:       req.Data,
			},
			DecodedDiscard: req.TargetDiscard,
		})
	}()
}
