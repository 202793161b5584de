package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net"

	"github.com/allen1211/baskets/pkg/common"
)

// Header is the UDP envelope: where to reply and which session the datagram
// belongs to.
type Header struct {
	IP   string
	Port uint16
	SID  uint32
}

func NewHeader(ip string, port int, sid uint32) (Header, error) {
	if net.ParseIP(ip) == nil {
		return Header{}, common.NewError(common.ErrParse, "header ip %q is invalid", ip)
	}
	if port <= 0 || port > math.MaxUint16 {
		return Header{}, common.NewError(common.ErrParse, "header port %d out of range", port)
	}
	return Header{IP: ip, Port: uint16(port), SID: sid}, nil
}

func (h Header) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(h.IP), Port: int(h.Port)}
}

func (h Header) String() string {
	return fmt.Sprintf("%s:%d#%d", h.IP, h.Port, h.SID)
}

func (h Header) Encode() []byte {
	b, _ := json.Marshal([]interface{}{h.IP, h.Port, h.SID})
	return b
}

func ParseHeader(data []byte) (Header, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &arr); err != nil || len(arr) != 3 {
		return Header{}, common.NewError(common.ErrParse, "header is not [ip, port, sid]")
	}
	var ip string
	var port int64
	var sid int64
	if err := json.Unmarshal(arr[0], &ip); err != nil {
		return Header{}, common.NewError(common.ErrParse, "header ip is not a string")
	}
	if err := json.Unmarshal(arr[1], &port); err != nil {
		return Header{}, common.NewError(common.ErrParse, "header port is not an integer")
	}
	if err := json.Unmarshal(arr[2], &sid); err != nil || sid < 0 || sid > math.MaxUint32 {
		return Header{}, common.NewError(common.ErrParse, "header sid out of range")
	}
	return NewHeader(ip, int(port), uint32(sid))
}

// EncodeDatagram lays out "<header>\r\n<message>\r\n". msg is an encoded
// message and already ends with the terminator.
func EncodeDatagram(h Header, msg []byte) []byte {
	var buf bytes.Buffer
	buf.Write(h.Encode())
	buf.WriteString(Terminator)
	buf.Write(msg)
	if !bytes.HasSuffix(msg, []byte(Terminator)) {
		buf.WriteString(Terminator)
	}
	return buf.Bytes()
}

func DecodeDatagram(data []byte) (Header, []byte, error) {
	idx := bytes.Index(data, []byte(Terminator))
	if idx < 0 {
		return Header{}, nil, common.NewError(common.ErrParse, "datagram has no header line")
	}
	h, err := ParseHeader(data[:idx])
	if err != nil {
		return Header{}, nil, err
	}
	body := data[idx+len(Terminator):]
	if len(bytes.TrimSpace(body)) == 0 {
		return Header{}, nil, common.NewError(common.ErrParse, "datagram has no body")
	}
	return h, body, nil
}
