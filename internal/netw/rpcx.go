package netw

import (
	"context"
	"fmt"
	"sync"
	"time"

	rpcx_client "github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/log"
	"github.com/smallnest/rpcx/protocol"
	"github.com/smallnest/rpcx/server"
	"github.com/smallnest/rpcx/share"

	"github.com/allen1211/baskets/internal/netw/codec"
)

const MsgpSerializeType = protocol.SerializeType(5)

func init() {

	log.SetDummyLogger()

	share.Codecs[MsgpSerializeType] = &codec.MsgpCodec{}
}

type RpcxServer struct {
	Name string
	Addr string

	serv *server.Server
}

func MakeRpcxServer(name, addr string) *RpcxServer {
	s := server.NewServer()
	return &RpcxServer{
		Name: name,
		Addr: addr,
		serv: s,
	}
}

func (s *RpcxServer) Register(name string, obj interface{}) error {
	return s.serv.RegisterName(name, obj, "")
}

// Start blocks serving until Stop is called.
func (s *RpcxServer) Start() error {
	return s.serv.Serve("tcp", s.Addr)
}

func (s *RpcxServer) Stop() {
	_ = s.serv.Close()
}

type ClientEnd struct {
	sync.RWMutex
	Name    string
	Addr    string
	Timeout time.Duration
	client  rpcx_client.XClient
}

func MakeRPCEnd(name, addr string, timeout time.Duration) (*ClientEnd, error) {
	d, err := rpcx_client.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return nil, err
	}
	option := rpcx_client.DefaultOption
	option.SerializeType = MsgpSerializeType
	if timeout > 0 {
		option.ConnectTimeout = timeout
	}
	cli := rpcx_client.NewXClient(name, rpcx_client.Failfast, rpcx_client.RoundRobin, d, option)
	return &ClientEnd{
		Name:    name,
		Addr:    addr,
		Timeout: timeout,
		client:  cli,
	}, nil
}

func (ce *ClientEnd) Call(svrName string, args interface{}, reply interface{}) error {
	ctx := context.Background()
	if ce.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ce.Timeout)
		defer cancel()
	}
	if err := ce.client.Call(ctx, svrName, args, reply); err != nil {
		return fmt.Errorf("call %s.%s at %s: %w", ce.Name, svrName, ce.Addr, err)
	}
	return nil
}

func (ce *ClientEnd) Close() {
	if ce.client != nil {
		_ = ce.client.Close()
	}
}
