package ratchet

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/chatcore/crypto"
)

// Header accompanies every ratchet message and carries the sender's current
// ratchet public key plus the chain counters the receiver needs to derive
// the matching message key.
//
// Wire format:
//
//	[DH_PUBLIC(32)][PREV_COUNT(4)][COUNT(4)]
//
// Total size: 40 bytes.
type Header struct {
	DHPublic  [crypto.KeySize]byte
	PrevCount uint32
	Count     uint32
}

const headerSize = crypto.KeySize + 4 + 4

// Bytes serializes the header. The serialized form doubles as the AEAD
// associated data, binding the header to the ciphertext.
func (h *Header) Bytes() []byte {
	data := make([]byte, headerSize)
	copy(data[:crypto.KeySize], h.DHPublic[:])
	binary.BigEndian.PutUint32(data[crypto.KeySize:], h.PrevCount)
	binary.BigEndian.PutUint32(data[crypto.KeySize+4:], h.Count)
	return data
}

// Message is a ratchet-encrypted payload: the cleartext header plus the
// sealed ciphertext. The engine places the encoded message into an
// envelope's ciphertext field.
type Message struct {
	Header     Header
	Ciphertext []byte
}

// EncodeMessage serializes a ratchet message.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("ratchet message is nil")
	}

	data := make([]byte, 0, headerSize+len(msg.Ciphertext))
	data = append(data, msg.Header.Bytes()...)
	data = append(data, msg.Ciphertext...)
	return data, nil
}

// DecodeMessage parses a serialized ratchet message.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, errors.New("ratchet message too short")
	}

	msg := &Message{}
	copy(msg.Header.DHPublic[:], data[:crypto.KeySize])
	msg.Header.PrevCount = binary.BigEndian.Uint32(data[crypto.KeySize:])
	msg.Header.Count = binary.BigEndian.Uint32(data[crypto.KeySize+4:])
	msg.Ciphertext = append([]byte(nil), data[headerSize:]...)

	return msg, nil
}
