// Package simproto implements the packet framing of the legacy UDP image
// transfer protocol: outbound request/cancel batches, and inbound header
// and data packets.
//
// All integers are big-endian. An outbound batch carries the agent and
// session identifiers followed by up to MaxImagesPerRequest entries; a
// cancel is encoded as a request entry with discard level -1.
package simproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

func floatBits(f float32) uint32  { return math.Float32bits(f) }
func floatFrom(u uint32) float32  { return math.Float32frombits(u) }

// MaxImagesPerRequest is the largest number of entries in one batch.
const MaxImagesPerRequest = 50

// Message type tags.
const (
	MsgRequestImage uint8 = 0x01
	MsgImageHeader  uint8 = 0x02
	MsgImagePacket  uint8 = 0x03
)

// CancelDiscard is the discard level that encodes a cancel.
const CancelDiscard int8 = -1

// Fixed field sizes.
const (
	idSize          = 16
	batchHeaderSize = 1 + idSize + idSize + 1          // tag, agent, session, count
	requestSize     = idSize + 1 + 4 + 4 + 1           // id, discard, priority, packet, type
	imageHeaderSize = 1 + idSize + 1 + 2 + 4 + 2       // tag, id, codec, packets, total bytes, data size
	imagePacketSize = 1 + idSize + 2 + 2               // tag, id, packet index, data size
)

var (
	// ErrShortPacket is returned when a buffer ends before its framing.
	ErrShortPacket = errors.New("short packet")
	// ErrBadTag is returned when a buffer does not start with the
	// expected message tag.
	ErrBadTag = errors.New("unexpected message tag")
	// ErrBatchTooLarge is returned when a batch exceeds MaxImagesPerRequest.
	ErrBatchTooLarge = errors.New("batch exceeds maximum entries")
)

// RequestBatch is one outbound RequestImage message.
type RequestBatch struct {
	AgentID   domain.AssetID
	SessionID domain.AssetID
	Requests  []transport.SimRequest
}

// EncodeRequestBatch serializes a batch. Cancels are entries whose
// Discard is CancelDiscard.
func EncodeRequestBatch(b RequestBatch) ([]byte, error) {
	if len(b.Requests) > MaxImagesPerRequest {
		return nil, ErrBatchTooLarge
	}

	buf := make([]byte, 0, batchHeaderSize+len(b.Requests)*requestSize)
	buf = append(buf, MsgRequestImage)
	buf = append(buf, b.AgentID[:]...)
	buf = append(buf, b.SessionID[:]...)
	buf = append(buf, uint8(len(b.Requests)))
	for _, r := range b.Requests {
		buf = append(buf, r.ID[:]...)
		buf = append(buf, byte(int8(r.Discard)))
		buf = binary.BigEndian.AppendUint32(buf, floatBits(r.Priority))
		buf = binary.BigEndian.AppendUint32(buf, uint32(r.NextPacket))
		buf = append(buf, r.ImageType)
	}
	return buf, nil
}

// DecodeRequestBatch parses an outbound batch; used by tests and by
// simulator-side tooling.
func DecodeRequestBatch(buf []byte) (RequestBatch, error) {
	var b RequestBatch
	if len(buf) < batchHeaderSize {
		return b, ErrShortPacket
	}
	if buf[0] != MsgRequestImage {
		return b, ErrBadTag
	}
	copy(b.AgentID[:], buf[1:1+idSize])
	copy(b.SessionID[:], buf[1+idSize:1+2*idSize])
	count := int(buf[batchHeaderSize-1])
	buf = buf[batchHeaderSize:]
	if len(buf) < count*requestSize {
		return b, ErrShortPacket
	}

	b.Requests = make([]transport.SimRequest, 0, count)
	for i := 0; i < count; i++ {
		rec := buf[i*requestSize : (i+1)*requestSize]
		var r transport.SimRequest
		copy(r.ID[:], rec[:idSize])
		r.Discard = int(int8(rec[idSize]))
		r.Priority = floatFrom(binary.BigEndian.Uint32(rec[idSize+1 : idSize+5]))
		r.NextPacket = int(binary.BigEndian.Uint32(rec[idSize+5 : idSize+9]))
		r.ImageType = rec[idSize+9]
		b.Requests = append(b.Requests, r)
	}
	return b, nil
}

// ImageHeader is the inbound header packet of one asset transfer. Its
// wire data-size field (the payload length) equals either assembly's
// first-packet size or TotalBytes for assets that fit in one packet.
type ImageHeader struct {
	ID           domain.AssetID
	Codec        domain.CodecTag
	TotalPackets int
	TotalBytes   int
	Payload      []byte
}

// EncodeImageHeader serializes a header packet.
func EncodeImageHeader(h ImageHeader) []byte {
	buf := make([]byte, 0, imageHeaderSize+len(h.Payload))
	buf = append(buf, MsgImageHeader)
	buf = append(buf, h.ID[:]...)
	buf = append(buf, byte(h.Codec))
	buf = binary.BigEndian.AppendUint16(buf, uint16(h.TotalPackets))
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.TotalBytes))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.Payload)))
	buf = append(buf, h.Payload...)
	return buf
}

// DecodeImageHeader parses an inbound header packet.
func DecodeImageHeader(buf []byte) (ImageHeader, error) {
	var h ImageHeader
	if len(buf) < imageHeaderSize {
		return h, ErrShortPacket
	}
	if buf[0] != MsgImageHeader {
		return h, ErrBadTag
	}
	copy(h.ID[:], buf[1:1+idSize])
	h.Codec = domain.CodecTag(buf[1+idSize])
	h.TotalPackets = int(binary.BigEndian.Uint16(buf[2+idSize : 4+idSize]))
	h.TotalBytes = int(binary.BigEndian.Uint32(buf[4+idSize : 8+idSize]))
	dataSize := int(binary.BigEndian.Uint16(buf[8+idSize : 10+idSize]))
	buf = buf[imageHeaderSize:]
	if len(buf) < dataSize {
		return h, fmt.Errorf("%w: header payload %d of %d bytes", ErrShortPacket, len(buf), dataSize)
	}
	h.Payload = buf[:dataSize]
	return h, nil
}

// ImagePacket is one inbound data packet.
type ImagePacket struct {
	ID      domain.AssetID
	Packet  int
	Payload []byte
}

// EncodeImagePacket serializes a data packet.
func EncodeImagePacket(p ImagePacket) []byte {
	buf := make([]byte, 0, imagePacketSize+len(p.Payload))
	buf = append(buf, MsgImagePacket)
	buf = append(buf, p.ID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.Packet))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Payload)))
	buf = append(buf, p.Payload...)
	return buf
}

// DecodeImagePacket parses an inbound data packet.
func DecodeImagePacket(buf []byte) (ImagePacket, error) {
	var p ImagePacket
	if len(buf) < imagePacketSize {
		return p, ErrShortPacket
	}
	if buf[0] != MsgImagePacket {
		return p, ErrBadTag
	}
	copy(p.ID[:], buf[1:1+idSize])
	p.Packet = int(binary.BigEndian.Uint16(buf[1+idSize : 3+idSize]))
	dataSize := int(binary.BigEndian.Uint16(buf[3+idSize : 5+idSize]))
	buf = buf[imagePacketSize:]
	if len(buf) < dataSize {
		return p, fmt.Errorf("%w: packet payload %d of %d bytes", ErrShortPacket, len(buf), dataSize)
	}
	p.Payload = buf[:dataSize]
	return p, nil
}
