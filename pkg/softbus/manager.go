package softbus

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/tcp_connection"
	"golang.org/x/time/rate"
	"gopkg.in/retry.v1"
)

// AddrResolver 把设备ID解析为 ip:port 连接地址
type AddrResolver interface {
	GetConnectAddr(deviceId string) (string, error)
}

// ManagerOption 会话管理器配置
type ManagerOption struct {
	LocalDeviceID string
	ListenAddr    string
	Port          int
	DialTimeout   time.Duration
	DialRetries   int
	AcceptRate    int // 每秒允许接入的连接数，<=0 不限制
}

// SessionManager 基于TCP的会话管理器。一个监听端口上按会话名复用多个服务
type SessionManager struct {
	opt      ManagerOption
	resolver AddrResolver

	connMgr *tcp_connection.ConnectionManager
	server  *tcp_connection.BaseServer
	client  *tcp_connection.BaseClient

	mu       sync.RWMutex
	servers  map[string]*SessionServer
	sessions map[int]*Session
	fdIndex  map[int]*Session
	started  bool

	nextSessionID int32
}

func NewSessionManager(opt ManagerOption, resolver AddrResolver) *SessionManager {
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.DialRetries <= 0 {
		opt.DialRetries = 1
	}
	return &SessionManager{
		opt:      opt,
		resolver: resolver,
		servers:  make(map[string]*SessionServer),
		sessions: make(map[int]*Session),
		fdIndex:  make(map[int]*Session),
	}
}

// Start 启动监听，返回实际端口
func (m *SessionManager) Start() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return 0, ErrManagerAlreadyStarted
	}

	callback := &tcp_connection.BaseListenerCallback{
		OnConnected:    m.onConnected,
		OnDisconnected: m.onDisconnected,
		OnDataReceived: m.onDataReceived,
	}
	var limiter *rate.Limiter
	if m.opt.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.opt.AcceptRate), m.opt.AcceptRate)
	}
	m.connMgr = tcp_connection.NewConnectionManager()
	m.server = tcp_connection.NewBaseServer(m.connMgr, limiter)
	m.client = tcp_connection.NewBaseClient(m.connMgr, callback)
	if err := m.server.StartBaseListener(&tcp_connection.SocketOption{Addr: m.opt.ListenAddr, Port: m.opt.Port}, callback); err != nil {
		return 0, err
	}
	m.started = true
	log.Infof("[SOFTBUS] 会话管理器启动，端口 %d", m.server.GetPort())
	return m.server.GetPort(), nil
}

// Stop 关闭所有会话和监听
func (m *SessionManager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.started = false
	for _, s := range m.sessions {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
	}
	m.sessions = make(map[int]*Session)
	m.fdIndex = make(map[int]*Session)
	m.mu.Unlock()

	m.client.Stop()
	err := m.server.StopBaseListener()
	log.Info("[SOFTBUS] 会话管理器已停止")
	return err
}

func (m *SessionManager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.server == nil {
		return -1
	}
	return m.server.GetPort()
}

func (m *SessionManager) LocalDeviceID() string {
	return m.opt.LocalDeviceID
}

// CreateSessionServer 在会话名下注册监听器
func (m *SessionManager) CreateSessionServer(sessionName string, listener ISessionListener) error {
	if sessionName == "" || len(sessionName) > NameLength {
		return ErrInvalidSessionName
	}
	if listener == nil {
		return ErrNilListener
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[sessionName]; ok {
		return ErrServerExists
	}
	if len(m.servers) >= MaxSessionServerNum {
		return ErrMaxServersReached
	}
	m.servers[sessionName] = &SessionServer{SessionName: sessionName, Listener: listener}
	log.Infof("[SOFTBUS] 创建会话服务: %s", sessionName)
	return nil
}

func (m *SessionManager) RemoveSessionServer(sessionName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[sessionName]; !ok {
		return ErrServerNotFound
	}
	delete(m.servers, sessionName)
	return nil
}

// OpenSession 通过发现缓存解析地址后异步打开会话
func (m *SessionManager) OpenSession(sessionName, peerDeviceId string) (int, error) {
	if m.resolver == nil {
		return -1, ErrPeerNotFound
	}
	addr, err := m.resolver.GetConnectAddr(peerDeviceId)
	if err != nil {
		return -1, fmt.Errorf("%w: %s: %v", ErrPeerNotFound, peerDeviceId, err)
	}
	id, err := m.OpenSessionByAddr(sessionName, addr)
	if err != nil {
		return -1, err
	}
	return id, nil
}

// OpenSessionByAddr 向指定地址异步打开会话，立即返回会话ID。
// 握手结果通过 OnSessionOpened(id, SideClient, result) 通知
func (m *SessionManager) OpenSessionByAddr(sessionName, addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, err
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return -1, ErrManagerNotStarted
	}
	srv, ok := m.servers[sessionName]
	if !ok {
		m.mu.Unlock()
		return -1, ErrServerNotFound
	}
	s := newSession(m.allocateSessionID(), sessionName, SideClient)
	s.PeerAddr = addr
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Infof("[SOFTBUS] 打开会话 %d: %s -> %s", s.ID, sessionName, addr)
	go m.dial(s, srv.Listener, host, port)
	return s.ID, nil
}

func (m *SessionManager) dial(s *Session, listener ISessionListener, host string, port int) {
	strategy := retry.LimitCount(m.opt.DialRetries, retry.Exponential{
		Initial: 200 * time.Millisecond,
		Factor:  2,
	})

	fd := -1
	var err error
	for a := retry.Start(strategy, nil); a.Next(); {
		if s.getState() == stateClosed {
			return
		}
		fd, err = m.client.Connect(host, port, m.opt.DialTimeout)
		if err == nil {
			break
		}
		log.Warnf("[SOFTBUS] 会话 %d 连接失败: %v", s.ID, err)
	}
	if err != nil {
		m.removeSession(s)
		if s.getState() != stateClosed {
			listener.OnSessionOpened(s.ID, SideClient, OpenResultDialFail)
		}
		return
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		m.client.Close(fd)
		return
	}
	s.fd = fd
	s.mu.Unlock()
	m.mu.Lock()
	m.fdIndex[fd] = s
	m.mu.Unlock()

	hello, _ := json.Marshal(&FirstPacketData{BusName: s.Name, DeviceID: m.opt.LocalDeviceID})
	if err := m.connMgr.SendBytes(fd, packFrame(PacketTypeHandshake, s.nextSeq(), hello)); err != nil {
		log.Errorf("[SOFTBUS] 会话 %d 发送握手失败: %v", s.ID, err)
		m.removeSession(s)
		m.client.Close(fd)
		listener.OnSessionOpened(s.ID, SideClient, OpenResultDialFail)
	}
}

// SendBytes 发送一条完整消息
func (m *SessionManager) SendBytes(sessionID int, data []byte) error {
	if len(data) > MaxPacketSize {
		return ErrDataTooLarge
	}
	s := m.getSession(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	state, fd := s.state, s.fd
	s.mu.Unlock()
	if state != stateOpened {
		return ErrSessionNotOpened
	}
	return m.connMgr.SendBytes(fd, packFrame(PacketTypeData, s.nextSeq(), data))
}

// CloseSession 关闭会话。本端不会收到OnSessionClosed
func (m *SessionManager) CloseSession(sessionID int) {
	s := m.getSession(sessionID)
	if s == nil {
		return
	}
	m.removeSession(s)
	s.mu.Lock()
	fd := s.fd
	s.state = stateClosed
	s.mu.Unlock()
	if fd >= 0 {
		m.connMgr.UnregisterConn(fd)
	}
	log.Infof("[SOFTBUS] 关闭会话 %d", sessionID)
}

// GetPeerDeviceId 返回握手时交换的对端设备ID
func (m *SessionManager) GetPeerDeviceId(sessionID int) (string, error) {
	s := m.getSession(sessionID)
	if s == nil {
		return "", ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PeerDeviceID, nil
}

// GetSessionName 返回会话所属的会话名
func (m *SessionManager) GetSessionName(sessionID int) (string, error) {
	s := m.getSession(sessionID)
	if s == nil {
		return "", ErrSessionNotFound
	}
	return s.Name, nil
}

func (m *SessionManager) allocateSessionID() int {
	return int(atomic.AddInt32(&m.nextSessionID, 1))
}

func (m *SessionManager) getSession(id int) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *SessionManager) removeSession(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if fd := s.getFd(); fd >= 0 && m.fdIndex[fd] == s {
		delete(m.fdIndex, fd)
	}
	m.mu.Unlock()
}

func (m *SessionManager) listenerOf(name string) ISessionListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if srv, ok := m.servers[name]; ok {
		return srv.Listener
	}
	return nil
}

func (m *SessionManager) onConnected(fd int, connType tcp_connection.ConnectionType, info *tcp_connection.ConnectOption) {
	if connType != tcp_connection.ConnectionTypeServer {
		return
	}
	m.mu.Lock()
	s := newSession(m.allocateSessionID(), "", SideServer)
	s.fd = fd
	if info != nil && info.RemoteSocket != nil {
		s.PeerAddr = net.JoinHostPort(info.RemoteSocket.Addr, strconv.Itoa(info.RemoteSocket.Port))
	}
	m.fdIndex[fd] = s
	m.mu.Unlock()
}

func (m *SessionManager) onDisconnected(fd int, connType tcp_connection.ConnectionType) {
	m.mu.Lock()
	s, ok := m.fdIndex[fd]
	if ok {
		delete(m.fdIndex, fd)
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	prev := s.state
	s.state = stateClosed
	s.mu.Unlock()

	listener := m.listenerOf(s.Name)
	if listener == nil {
		return
	}
	switch prev {
	case stateOpened:
		log.Infof("[SOFTBUS] 会话 %d 被对端关闭", s.ID)
		listener.OnSessionClosed(s.ID)
	case stateConnecting:
		listener.OnSessionOpened(s.ID, SideClient, OpenResultClosed)
	}
}

// onDataReceived 按帧拆包，返回消费掉的字节数
func (m *SessionManager) onDataReceived(fd int, connType tcp_connection.ConnectionType, buf []byte, used int) int {
	consumed := 0
	for used-consumed >= PacketHeadSize {
		head, err := unpackHead(buf[consumed:])
		if err != nil {
			log.Errorf("[SOFTBUS] 无效的数据包头 (fd=%d): %v", fd, err)
			return -1
		}
		total := PacketHeadSize + int(head.DataLen)
		if used-consumed < total {
			break
		}
		payload := make([]byte, head.DataLen)
		copy(payload, buf[consumed+PacketHeadSize:consumed+total])
		consumed += total

		if !m.handleFrame(fd, head, payload) {
			return -1
		}
	}
	return consumed
}

func (m *SessionManager) handleFrame(fd int, head PacketHead, payload []byte) bool {
	m.mu.RLock()
	s := m.fdIndex[fd]
	m.mu.RUnlock()
	if s == nil {
		return false
	}

	switch head.Type {
	case PacketTypeHandshake:
		return m.handleHandshake(s, payload)
	case PacketTypeHandshakeReply:
		return m.handleHandshakeReply(s, payload)
	default:
		if s.getState() != stateOpened {
			log.Warnf("[SOFTBUS] 会话 %d 未打开，丢弃数据", s.ID)
			return true
		}
		listener := m.listenerOf(s.Name)
		if listener != nil {
			listener.OnBytesReceived(s.ID, payload)
		}
		return true
	}
}

func (m *SessionManager) handleHandshake(s *Session, payload []byte) bool {
	if s.Side != SideServer || s.getState() != stateHandshake {
		return false
	}
	var hello FirstPacketData
	if err := json.Unmarshal(payload, &hello); err != nil {
		log.Errorf("[SOFTBUS] 解析握手数据失败: %v", err)
		return false
	}

	listener := m.listenerOf(hello.BusName)
	reply := &ResponsePacketData{DeviceID: m.opt.LocalDeviceID, Result: OpenResultOK}
	if listener == nil {
		reply.Result = OpenResultNoServer
	}
	data, _ := json.Marshal(reply)
	if err := m.connMgr.SendBytes(s.getFd(), packFrame(PacketTypeHandshakeReply, s.nextSeq(), data)); err != nil {
		return false
	}
	if listener == nil {
		log.Warnf("[SOFTBUS] 未注册的会话名: %s", hello.BusName)
		return false
	}

	s.mu.Lock()
	s.Name = hello.BusName
	s.PeerDeviceID = hello.DeviceID
	s.state = stateOpened
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Infof("[SOFTBUS] 接受会话 %d: %s 来自 %s", s.ID, hello.BusName, hello.DeviceID)
	listener.OnSessionOpened(s.ID, SideServer, OpenResultOK)
	return true
}

func (m *SessionManager) handleHandshakeReply(s *Session, payload []byte) bool {
	if s.Side != SideClient || s.getState() != stateConnecting {
		return false
	}
	var reply ResponsePacketData
	if err := json.Unmarshal(payload, &reply); err != nil {
		reply.Result = OpenResultRejected
	}
	listener := m.listenerOf(s.Name)

	if reply.Result != OpenResultOK {
		log.Warnf("[SOFTBUS] 会话 %d 握手被拒绝: %d", s.ID, reply.Result)
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		m.removeSession(s)
		if listener != nil {
			listener.OnSessionOpened(s.ID, SideClient, reply.Result)
		}
		return false
	}

	s.mu.Lock()
	s.PeerDeviceID = reply.DeviceID
	s.state = stateOpened
	s.mu.Unlock()
	log.Infof("[SOFTBUS] 会话 %d 已打开, 对端 %s", s.ID, reply.DeviceID)
	if listener != nil {
		listener.OnSessionOpened(s.ID, SideClient, OpenResultOK)
	}
	return true
}
