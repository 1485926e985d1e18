package softbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type sessionState int32

const (
	stateConnecting sessionState = iota // 发起方正在连接或等待握手回复
	stateHandshake                      // 接受方等待握手数据
	stateOpened
	stateClosed
)

// Session 一个已注册的会话
type Session struct {
	ID           int
	Name         string
	Side         SessionSide
	PeerDeviceID string
	PeerAddr     string
	CreatedAt    time.Time

	mu      sync.Mutex
	fd      int
	state   sessionState
	sendSeq int32
}

func newSession(id int, name string, side SessionSide) *Session {
	s := &Session{
		ID:        id,
		Name:      name,
		Side:      side,
		CreatedAt: time.Now(),
		fd:        -1,
	}
	if side == SideServer {
		s.state = stateHandshake
	}
	return s
}

func (s *Session) nextSeq() int32 {
	return atomic.AddInt32(&s.sendSeq, 1)
}

func (s *Session) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) getFd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}
