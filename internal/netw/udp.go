package netw

import (
	"net"
	"time"

	"github.com/allen1211/baskets/pkg/protocol"
)

const MaxDatagram = 64 << 10

func ListenUDP(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", ua)
}

// ListenMulticast joins group ("ip:port") on the named interface, or on the
// system default when ifname is empty.
func ListenMulticast(group, ifname string) (*net.UDPConn, error) {
	ga, err := net.ResolveUDPAddr("udp", group)
	if err != nil {
		return nil, err
	}
	var ifi *net.Interface
	if ifname != "" {
		if ifi, err = net.InterfaceByName(ifname); err != nil {
			return nil, err
		}
	}
	conn, err := net.ListenMulticastUDP("udp", ifi, ga)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(MaxDatagram * 16)
	return conn, nil
}

// Datagram is one decoded UDP message and where it came from.
type Datagram struct {
	Header protocol.Header
	Body   []byte
	From   *net.UDPAddr
}

// ReadDatagram blocks for the next well-formed datagram. Malformed ones are
// reported through the error so the caller can log and continue.
func ReadDatagram(conn *net.UDPConn, buf []byte, timeout time.Duration) (*Datagram, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, wrapNetErr(err, "read datagram")
	}
	h, body, err := protocol.DecodeDatagram(buf[:n])
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	return &Datagram{Header: h, Body: cp, From: from}, nil
}

func SendDatagram(conn *net.UDPConn, to *net.UDPAddr, h protocol.Header, msg []byte) error {
	_, err := conn.WriteToUDP(protocol.EncodeDatagram(h, msg), to)
	if err != nil {
		return wrapNetErr(err, "send datagram to %s", to)
	}
	return nil
}
