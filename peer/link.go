package peer

import (
	"net"
	"time"
)

// udpLink adapts the punched, unconnected UDP socket to net.Conn. Reads
// deliver only datagrams from the punched remote; stray punch retries from
// the remote are answered and swallowed so the framed layer never sees them.
type udpLink struct {
	pc        *net.UDPConn
	remote    *net.UDPAddr
	pairingID int32
}

func (l *udpLink) Read(b []byte) (int, error) {
	for {
		n, src, err := l.pc.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if !src.IP.Equal(l.remote.IP) || src.Port != l.remote.Port {
			continue
		}
		if kind, id, ok := decodePunch(b[:n]); ok && id == l.pairingID {
			if kind == punchKindRequest {
				l.pc.WriteToUDP(encodePunch(punchResponse, l.pairingID), src)
			}
			continue
		}
		return n, nil
	}
}

func (l *udpLink) Write(b []byte) (int, error) {
	return l.pc.WriteToUDP(b, l.remote)
}

func (l *udpLink) Close() error {
	return l.pc.Close()
}

func (l *udpLink) LocalAddr() net.Addr {
	return l.pc.LocalAddr()
}

func (l *udpLink) RemoteAddr() net.Addr {
	return l.remote
}

func (l *udpLink) SetDeadline(t time.Time) error {
	return l.pc.SetDeadline(t)
}

func (l *udpLink) SetReadDeadline(t time.Time) error {
	return l.pc.SetReadDeadline(t)
}

func (l *udpLink) SetWriteDeadline(t time.Time) error {
	return l.pc.SetWriteDeadline(t)
}
