package simproto

import (
	"net"
	"sync"

	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/logger"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

// UDPSender transmits request and cancel batches over a UDP socket. One
// sender serves every simulator host; destination addresses are resolved
// per batch and cached.
type UDPSender struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	addrs     map[string]*net.UDPAddr
	agentID   domain.AssetID
	sessionID domain.AssetID
	log       logger.Interface
}

// NewUDPSender opens an unbound UDP socket for outbound batches.
func NewUDPSender(agentID, sessionID domain.AssetID, log logger.Interface) (*UDPSender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &UDPSender{
		conn:      conn,
		addrs:     make(map[string]*net.UDPAddr),
		agentID:   agentID,
		sessionID: sessionID,
		log:       log,
	}, nil
}

// Close releases the socket.
func (s *UDPSender) Close() error {
	return s.conn.Close()
}

// SendRequestBatch encodes and transmits one request batch to host.
func (s *UDPSender) SendRequestBatch(host string, reqs []transport.SimRequest) {
	buf, err := EncodeRequestBatch(RequestBatch{
		AgentID:   s.agentID,
		SessionID: s.sessionID,
		Requests:  reqs,
	})
	if err != nil {
		s.log.Error("encode request batch", "host", host, "error", err.Error())
		return
	}
	s.send(host, buf)
}

// SendCancelBatch encodes and transmits cancels for the given assets.
func (s *UDPSender) SendCancelBatch(host string, ids []domain.AssetID) {
	reqs := make([]transport.SimRequest, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, transport.SimRequest{
			ID:      id,
			Discard: int(CancelDiscard),
		})
	}
	s.SendRequestBatch(host, reqs)
}

func (s *UDPSender) send(host string, buf []byte) {
	addr, err := s.resolve(host)
	if err != nil {
		s.log.Error("resolve simulator host", "host", host, "error", err.Error())
		return
	}
	if _, err := s.conn.WriteToUDP(buf, addr); err != nil {
		s.log.Warn("send batch", "host", host, "error", err.Error())
	}
}

func (s *UDPSender) resolve(host string) (*net.UDPAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr, ok := s.addrs[host]; ok {
		return addr, nil
	}
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}
	s.addrs[host] = addr
	return addr, nil
}
