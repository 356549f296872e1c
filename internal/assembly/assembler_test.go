package assembly_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gotexfetch/internal/assembly"
)

// buildPackets cuts an asset of total bytes into the header payload and
// the numbered data packets.
func buildPackets(total int) (payloads [][]byte, fileSize int) {
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 251)
	}

	payloads = append(payloads, data[:min(assembly.FirstPacketSize, total)])
	rest := data[len(payloads[0]):]
	for len(rest) > 0 {
		n := min(assembly.MaxImgPacketSize, len(rest))
		payloads = append(payloads, rest[:n])
		rest = rest[n:]
	}
	return payloads, total
}

// Header plus packets 1..n reassemble to exactly the original bytes.
func TestReassembleRoundTrip(t *testing.T) {
	payloads, fileSize := buildPackets(assembly.FirstPacketSize + 2*assembly.MaxImgPacketSize + 123)
	require.Len(t, payloads, 4)

	a := assembly.New()
	require.True(t, a.InsertHeader(len(payloads), fileSize, payloads[0]))
	for i := 1; i < len(payloads); i++ {
		require.True(t, a.Insert(i, payloads[i]), "packet %d", i)
	}

	buf, haveAll := a.DeliverablePrefix(nil, fileSize)
	require.NotNil(t, buf)
	assert.True(t, haveAll)
	assert.True(t, bytes.Equal(buf, bytes.Join(payloads, nil)))
	assert.True(t, a.Complete())
}

// Out-of-order packets are reordered; the contiguous run only advances
// once the gap is filled.
func TestOutOfOrderReassembly(t *testing.T) {
	payloads, fileSize := buildPackets(assembly.FirstPacketSize + 3*assembly.MaxImgPacketSize)

	a := assembly.New()
	require.True(t, a.InsertHeader(len(payloads), fileSize, payloads[0]))
	require.True(t, a.Insert(2, payloads[2]))
	require.True(t, a.Insert(3, payloads[3]))
	assert.Equal(t, 0, a.LastPacket(), "run stalls at the gap")

	buf, _ := a.DeliverablePrefix(nil, fileSize)
	assert.Nil(t, buf, "gap blocks full delivery")

	require.True(t, a.Insert(1, payloads[1]))
	assert.Equal(t, 3, a.LastPacket())

	buf, haveAll := a.DeliverablePrefix(nil, fileSize)
	require.NotNil(t, buf)
	assert.True(t, haveAll)
	assert.Len(t, buf, fileSize)
}

func TestInsertRejections(t *testing.T) {
	payloads, fileSize := buildPackets(assembly.FirstPacketSize + 2*assembly.MaxImgPacketSize)
	total := len(payloads)

	a := assembly.New()
	require.True(t, a.InsertHeader(total, fileSize, payloads[0]))

	assert.False(t, a.Insert(total, payloads[1]), "index == total_packets")
	assert.False(t, a.Insert(total+3, payloads[1]), "index beyond total_packets")

	short := payloads[1][:assembly.MaxImgPacketSize-1]
	assert.False(t, a.Insert(1, short), "middle packet with wrong size")

	require.True(t, a.Insert(1, payloads[1]))
	assert.False(t, a.Insert(1, payloads[1]), "duplicate packet")

	assert.False(t, a.InsertHeader(total, fileSize, payloads[0]), "duplicate header")
	assert.False(t, assembly.New().InsertHeader(total, fileSize, nil), "empty header payload")
}

// The deliverable prefix length never shrinks across calls.
func TestDeliverablePrefixMonotonic(t *testing.T) {
	payloads, fileSize := buildPackets(assembly.FirstPacketSize + 4*assembly.MaxImgPacketSize)

	a := assembly.New()
	require.True(t, a.InsertHeader(len(payloads), fileSize, payloads[0]))

	requested := assembly.FirstPacketSize // deliver as soon as anything covers this
	prev := 0
	for i := 1; i < len(payloads); i++ {
		require.True(t, a.Insert(i, payloads[i]))
		buf, _ := a.DeliverablePrefix(nil, requested)
		if buf != nil {
			assert.GreaterOrEqual(t, len(buf), prev)
			prev = len(buf)
		}
	}
	assert.Equal(t, fileSize, prev)
}

// A cached prefix seeds reassembly so only the tail packets are needed.
func TestSeedFromCache(t *testing.T) {
	payloads, fileSize := buildPackets(assembly.FirstPacketSize + 3*assembly.MaxImgPacketSize)
	cached := bytes.Join(payloads[:3], nil) // header + 2 packets

	a := assembly.New()
	require.NoError(t, a.SeedFromCache(len(cached), fileSize))
	assert.Equal(t, 3, a.FirstPacket())
	assert.Equal(t, 3, a.NextPacket())
	assert.Equal(t, 4, a.TotalPackets())

	require.True(t, a.Insert(3, payloads[3]))
	buf, haveAll := a.DeliverablePrefix(cached, fileSize)
	require.NotNil(t, buf)
	assert.True(t, haveAll)
	assert.Len(t, buf, fileSize)
}

// A prefix that does not align with the packet grid cannot seed.
func TestSeedFromCacheMisaligned(t *testing.T) {
	a := assembly.New()
	err := a.SeedFromCache(assembly.FirstPacketSize+17, 10000)
	assert.ErrorIs(t, err, assembly.ErrBadCachedSize)
	assert.False(t, a.HeaderReceived())
}
