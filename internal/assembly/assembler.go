// Package assembly reassembles UDP image packets into a contiguous byte
// prefix. Packets arrive out of order; the assembler tracks the longest
// run that is contiguous from the first expected packet and reports the
// largest prefix that can be handed to the decoder.
package assembly

import (
	"errors"
)

// Packet framing constants established by the collaborating protocol.
// Packet 0 carries the header plus the first FirstPacketSize payload
// bytes; every following packet except the last carries exactly
// MaxImgPacketSize bytes.
const (
	FirstPacketSize  = 600
	MaxImgPacketSize = 1000
)

// ErrBadCachedSize is returned when a cached prefix does not align with
// the packet grid and therefore cannot seed reassembly.
var ErrBadCachedSize = errors.New("cached prefix size does not align with packet boundaries")

// Assembler is the per-worker reassembly buffer.
type Assembler struct {
	packets      [][]byte
	totalPackets int
	firstPacket  int
	lastPacket   int // highest index contiguous from firstPacket; -1 before any data
	fileSize     int
	haveAll      bool
}

// New creates an empty assembler.
func New() *Assembler {
	a := &Assembler{}
	a.Clear()
	return a
}

// Clear resets the assembler to its initial state.
func (a *Assembler) Clear() {
	a.packets = nil
	a.totalPackets = 0
	a.firstPacket = 0
	a.lastPacket = -1
	a.fileSize = 0
	a.haveAll = false
}

// HeaderReceived reports whether packet 0 (or a cache seed standing in
// for it) has been accepted.
func (a *Assembler) HeaderReceived() bool { return a.lastPacket >= 0 }

// Complete reports whether every packet of the asset has arrived.
func (a *Assembler) Complete() bool {
	return a.totalPackets > 0 && a.lastPacket >= a.totalPackets-1
}

// TotalPackets returns the packet count learned from the header, zero
// until the header arrives.
func (a *Assembler) TotalPackets() int { return a.totalPackets }

// LastPacket returns the highest contiguous packet index, -1 before any.
func (a *Assembler) LastPacket() int { return a.lastPacket }

// FirstPacket returns the index of the first packet expected from the
// network.
func (a *Assembler) FirstPacket() int { return a.firstPacket }

// NextPacket returns the index to ask the service for next.
func (a *Assembler) NextPacket() int { return a.lastPacket + 1 }

// FileSize returns the total asset size learned from the header.
func (a *Assembler) FileSize() int { return a.fileSize }

// SeedFromCache initializes reassembly state from a prefix of dataSize
// bytes already held (read from cache), so the service is only asked for
// the packets beyond it. fileSize must be the known total asset size;
// a prefix cached from an HTTP fetch whose total is unknown cannot seed
// reassembly and the caller must refetch from packet zero.
func (a *Assembler) SeedFromCache(dataSize, fileSize int) error {
	if dataSize <= 0 {
		return nil
	}
	first := (dataSize-FirstPacketSize)/MaxImgPacketSize + 1
	if FirstPacketSize+(first-1)*MaxImgPacketSize != dataSize {
		a.Clear()
		return ErrBadCachedSize
	}
	a.firstPacket = first
	a.lastPacket = first - 1
	a.fileSize = fileSize
	a.totalPackets = (fileSize-FirstPacketSize+MaxImgPacketSize-1)/MaxImgPacketSize + 1
	return nil
}

// InsertHeader accepts the inbound header packet: the total packet count,
// the total asset size, and the first payload bytes. Rejected when a
// header was already received or the payload is empty.
func (a *Assembler) InsertHeader(totalPackets, fileSize int, payload []byte) bool {
	if a.lastPacket != -1 || len(payload) == 0 {
		return false
	}
	a.totalPackets = totalPackets
	a.fileSize = fileSize
	return a.Insert(0, payload)
}

// Insert accepts packet index with the given payload. Rejected when the
// index is outside [0, totalPackets), a non-final middle packet is not
// exactly MaxImgPacketSize bytes, or a payload already exists for the
// index. On accept the contiguous-run tail advances over any previously
// buffered successors.
func (a *Assembler) Insert(index int, payload []byte) bool {
	if index < 0 || index >= a.totalPackets {
		return false
	}
	if index > 0 && index < a.totalPackets-1 && len(payload) != MaxImgPacketSize {
		return false
	}
	if index >= len(a.packets) {
		grown := make([][]byte, index+1)
		copy(grown, a.packets)
		a.packets = grown
	} else if a.packets[index] != nil {
		return false
	}
	a.packets[index] = payload
	for a.lastPacket+1 < len(a.packets) && a.packets[a.lastPacket+1] != nil {
		a.lastPacket++
	}
	return true
}

// DeliverablePrefix returns the longest contiguous byte prefix currently
// recoverable: the already-held cur bytes followed by every buffered
// packet from firstPacket through lastPacket. It returns nil until the
// run reaches firstPacket and the combined size covers requestedSize (or
// the asset is complete). The returned prefix is non-decreasing in length
// across successive calls; haveAll is set once the final packet is in.
func (a *Assembler) DeliverablePrefix(cur []byte, requestedSize int) (buf []byte, haveAll bool) {
	if a.lastPacket < a.firstPacket {
		return nil, a.haveAll
	}

	size := len(cur)
	for i := a.firstPacket; i <= a.lastPacket; i++ {
		size += len(a.packets[i])
	}
	if a.lastPacket >= a.totalPackets-1 {
		a.haveAll = true
	}
	if size < requestedSize && !a.haveAll {
		return nil, a.haveAll
	}

	buf = make([]byte, 0, size)
	buf = append(buf, cur...)
	for i := a.firstPacket; i <= a.lastPacket; i++ {
		buf = append(buf, a.packets[i]...)
	}
	return buf, a.haveAll
}
