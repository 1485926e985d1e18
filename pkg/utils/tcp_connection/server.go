package tcp_connection

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
	"golang.org/x/time/rate"
)

// BaseServer 负责监听连接、处理数据收发及连接管理
type BaseServer struct {
	listener net.Listener
	connMgr  *ConnectionManager
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	callback *BaseListenerCallback
}

// NewBaseServer 创建服务端实例，limiter为nil时不限制接入速率
func NewBaseServer(connMgr *ConnectionManager, limiter *rate.Limiter) *BaseServer {
	if connMgr == nil {
		connMgr = NewConnectionManager()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BaseServer{
		connMgr: connMgr,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartBaseListener 启动监听，Port为0时由系统分配端口
func (s *BaseServer) StartBaseListener(opt *SocketOption, callback *BaseListenerCallback) error {
	if opt == nil || callback == nil {
		return fmt.Errorf("参数错误")
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(opt.Addr, fmt.Sprint(opt.Port)))
	if err != nil {
		return fmt.Errorf("创建监听器失败：%w", err)
	}

	s.listener = listener
	s.callback = callback
	s.wg.Add(1)
	go s.acceptLoop()

	log.Infof("[BASE_SERVER] 监听启动 %s", listener.Addr().String())
	return nil
}

// StopBaseListener 停止监听并关闭所有服务端连接
func (s *BaseServer) StopBaseListener() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, fd := range s.connMgr.GetAllFds() {
		if connType, ok := s.connMgr.GetConnType(fd); ok && connType == ConnectionTypeServer {
			s.connMgr.UnregisterConn(fd)
		}
	}
	s.wg.Wait()
	return nil
}

func (s *BaseServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Errorf("[BASE_SERVER] 接受连接错误: %v", err)
				continue
			}
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				conn.Close()
				return
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *BaseServer) handleConnection(netConn net.Conn) {
	defer s.wg.Done()

	fd := s.connMgr.RegisterConn(netConn, ConnectionTypeServer)
	defer s.connMgr.UnregisterConn(fd)

	info := connectOptionOf(netConn)
	log.Debugf("[BASE_SERVER] 新连接来自 %s:%d (fd=%d)", info.RemoteSocket.Addr, info.RemoteSocket.Port, fd)

	if s.callback.OnConnected != nil {
		s.callback.OnConnected(fd, ConnectionTypeServer, info)
	}
	serveConn("BASE_SERVER", fd, ConnectionTypeServer, netConn, s.callback, s.ctx.Done())
}

// GetPort 返回监听端口，未启动时返回-1
func (s *BaseServer) GetPort() int {
	if s.listener == nil {
		return -1
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *BaseServer) GetAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

func (s *BaseServer) SendBytes(fd int, data []byte) error {
	return s.connMgr.SendBytes(fd, data)
}

func (s *BaseServer) GetConnInfo(fd int) *ConnectOption {
	return s.connMgr.GetConnInfo(fd)
}
