package tcp_connection

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// BaseClient 主动发起的连接，与BaseServer共用ConnectionManager和回调
type BaseClient struct {
	connMgr  *ConnectionManager
	callback *BaseListenerCallback
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewBaseClient(connMgr *ConnectionManager, callback *BaseListenerCallback) *BaseClient {
	if connMgr == nil {
		connMgr = NewConnectionManager()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BaseClient{
		connMgr:  connMgr,
		callback: callback,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect 连接到远程设备，成功后返回虚拟fd并启动接收循环。
// OnConnected 在接收循环启动前同步回调
func (c *BaseClient) Connect(remoteIP string, remotePort int, timeout time.Duration) (int, error) {
	if c.callback == nil {
		return -1, fmt.Errorf("未设置回调处理器")
	}

	addr := net.JoinHostPort(remoteIP, fmt.Sprint(remotePort))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(c.ctx, "tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("连接到%s失败: %w", addr, err)
	}

	fd := c.connMgr.RegisterConn(conn, ConnectionTypeClient)
	log.Debugf("[BASE_CLIENT] 已连接 %s (fd=%d)", addr, fd)
	if c.callback.OnConnected != nil {
		c.callback.OnConnected(fd, ConnectionTypeClient, connectOptionOf(conn))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.connMgr.UnregisterConn(fd)
		serveConn("BASE_CLIENT", fd, ConnectionTypeClient, conn, c.callback, c.ctx.Done())
	}()
	return fd, nil
}

func (c *BaseClient) SendBytes(fd int, data []byte) error {
	return c.connMgr.SendBytes(fd, data)
}

// Close 关闭指定的客户端连接
func (c *BaseClient) Close(fd int) {
	c.connMgr.UnregisterConn(fd)
}

// Stop 关闭全部客户端连接并等待接收循环退出
func (c *BaseClient) Stop() {
	c.cancel()
	for _, fd := range c.connMgr.GetAllFds() {
		if connType, ok := c.connMgr.GetConnType(fd); ok && connType == ConnectionTypeClient {
			c.connMgr.UnregisterConn(fd)
		}
	}
	c.wg.Wait()
}
