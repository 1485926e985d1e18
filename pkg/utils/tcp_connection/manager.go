package tcp_connection

import (
	"errors"
	"net"
	"sync"
)

var ErrInvalidConn = errors.New("无效的连接")

// ConnectionManager 统一管理服务端和客户端连接，对外以虚拟fd标识
type ConnectionManager struct {
	connMap      map[int]net.Conn
	connTypeMap  map[int]ConnectionType
	writeMu      map[int]*sync.Mutex
	mu           sync.RWMutex
	serverNextFd int
	clientNextFd int
	fdMu         sync.Mutex
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connMap:      make(map[int]net.Conn),
		connTypeMap:  make(map[int]ConnectionType),
		writeMu:      make(map[int]*sync.Mutex),
		serverNextFd: ServerFdStart,
		clientNextFd: ClientFdStart,
	}
}

// AllocateFd 为连接分配虚拟文件描述符
func (m *ConnectionManager) AllocateFd(connType ConnectionType) int {
	m.fdMu.Lock()
	defer m.fdMu.Unlock()

	var fd int
	if connType == ConnectionTypeServer {
		fd = m.serverNextFd
		m.serverNextFd++
	} else {
		fd = m.clientNextFd
		m.clientNextFd++
	}
	return fd
}

// RegisterConn 注册连接并分配虚拟文件描述符
func (m *ConnectionManager) RegisterConn(conn net.Conn, connType ConnectionType) int {
	fd := m.AllocateFd(connType)
	m.mu.Lock()
	m.connMap[fd] = conn
	m.connTypeMap[fd] = connType
	m.writeMu[fd] = &sync.Mutex{}
	m.mu.Unlock()
	return fd
}

// UnregisterConn 关闭连接并从映射中移除
func (m *ConnectionManager) UnregisterConn(fd int) {
	m.mu.Lock()
	if conn, ok := m.connMap[fd]; ok {
		conn.Close()
		delete(m.connMap, fd)
		delete(m.connTypeMap, fd)
		delete(m.writeMu, fd)
	}
	m.mu.Unlock()
}

func (m *ConnectionManager) GetConn(fd int) (net.Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connMap[fd]
	return conn, ok
}

func (m *ConnectionManager) GetConnType(fd int) (ConnectionType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connType, ok := m.connTypeMap[fd]
	return connType, ok
}

// SendBytes 通过指定的虚拟fd发送数据，同一连接上的写入串行执行
func (m *ConnectionManager) SendBytes(fd int, data []byte) error {
	m.mu.RLock()
	conn, ok := m.connMap[fd]
	wmu := m.writeMu[fd]
	m.mu.RUnlock()
	if !ok {
		return ErrInvalidConn
	}

	wmu.Lock()
	defer wmu.Unlock()
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// GetConnInfo 获取连接两端的地址
func (m *ConnectionManager) GetConnInfo(fd int) *ConnectOption {
	conn, ok := m.GetConn(fd)
	if !ok {
		return nil
	}
	return connectOptionOf(conn)
}

func (m *ConnectionManager) GetAllFds() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fds := make([]int, 0, len(m.connMap))
	for fd := range m.connMap {
		fds = append(fds, fd)
	}
	return fds
}

func (m *ConnectionManager) GetConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connMap)
}

// CloseAll 关闭所有连接
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for fd, conn := range m.connMap {
		conn.Close()
		delete(m.connMap, fd)
		delete(m.connTypeMap, fd)
		delete(m.writeMu, fd)
	}
}

func connectOptionOf(conn net.Conn) *ConnectOption {
	info := &ConnectOption{LocalSocket: &SocketOption{}, RemoteSocket: &SocketOption{}}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		info.LocalSocket.Addr, info.LocalSocket.Port = addr.IP.String(), addr.Port
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		info.RemoteSocket.Addr, info.RemoteSocket.Port = addr.IP.String(), addr.Port
	}
	return info
}
