// Package rendezvous pairs two server-connected clients for a direct
// connection. The server is the signaling path; a stateless UDP endpoint is
// the rendezvous point both clients hail so their externally visible
// addresses can be observed and exchanged.
package rendezvous

import (
	"encoding/binary"
	"errors"
)

// Hail and ack datagrams are the only traffic the rendezvous point speaks:
//
//	hail: "PRDV" | int32 pairingID | role byte
//	ack:  "PRDA" | int32 pairingID
var (
	hailMagic = []byte("PRDV")
	ackMagic  = []byte("PRDA")
)

const (
	hailSize = 9
	ackSize  = 8
)

var ErrBadDatagram = errors.New("bad rendezvous datagram")

// EncodeHail builds the hail payload a client sends on connect.
func EncodeHail(pairingID int32, role byte) []byte {
	buf := make([]byte, hailSize)
	copy(buf, hailMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(pairingID))
	buf[8] = role
	return buf
}

// DecodeHail parses a hail datagram.
func DecodeHail(buf []byte) (pairingID int32, role byte, err error) {
	if len(buf) < hailSize || string(buf[:4]) != string(hailMagic) {
		return 0, 0, ErrBadDatagram
	}
	return int32(binary.LittleEndian.Uint32(buf[4:8])), buf[8], nil
}

// EncodeAck builds the acknowledgement the point answers a hail with.
func EncodeAck(pairingID int32) []byte {
	buf := make([]byte, ackSize)
	copy(buf, ackMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(pairingID))
	return buf
}

// DecodeAck parses an ack datagram.
func DecodeAck(buf []byte) (pairingID int32, err error) {
	if len(buf) < ackSize || string(buf[:4]) != string(ackMagic) {
		return 0, ErrBadDatagram
	}
	return int32(binary.LittleEndian.Uint32(buf[4:8])), nil
}
