package sequencer

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/opd-ai/chatcore/keydir"
)

// ErrMalformedPosition indicates a sequence token that does not decode.
var ErrMalformedPosition = errors.New("malformed sequence position")

// Position is a conversation's sequencing state: the local outbound
// counter plus a per-sender vector of next expected counters. Encoded
// positions travel in the envelope's sequencing token so peers can
// detect gaps they would otherwise never learn about.
type Position struct {
	Counter uint64
	Vector  map[keydir.DeviceID]uint64
}

// Encode serializes the position:
//
//	[COUNTER (8 bytes)][ENTRY_COUNT (2 bytes)] then per entry
//	[DEVICE (8 bytes)][NEXT (8 bytes)]
//
// Entries are sorted by device ID so equal positions encode identically.
func (p Position) Encode() []byte {
	devices := make([]keydir.DeviceID, 0, len(p.Vector))
	for id := range p.Vector {
		devices = append(devices, id)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })

	buf := make([]byte, 10+16*len(devices))
	binary.BigEndian.PutUint64(buf[0:8], p.Counter)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(devices)))

	offset := 10
	for _, id := range devices {
		binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(id))
		binary.BigEndian.PutUint64(buf[offset+8:offset+16], p.Vector[id])
		offset += 16
	}
	return buf
}

// DecodePosition parses an encoded position token.
func DecodePosition(data []byte) (Position, error) {
	if len(data) < 10 {
		return Position{}, ErrMalformedPosition
	}

	count := int(binary.BigEndian.Uint16(data[8:10]))
	if len(data) != 10+16*count {
		return Position{}, ErrMalformedPosition
	}

	pos := Position{
		Counter: binary.BigEndian.Uint64(data[0:8]),
		Vector:  make(map[keydir.DeviceID]uint64, count),
	}
	offset := 10
	for i := 0; i < count; i++ {
		device := keydir.DeviceID(binary.BigEndian.Uint64(data[offset : offset+8]))
		pos.Vector[device] = binary.BigEndian.Uint64(data[offset+8 : offset+16])
		offset += 16
	}
	return pos, nil
}
