package tcp_connection

import (
	"errors"
	"io"
	"net"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// serveConn 读取连接数据并交给回调处理，连接关闭或处理失败时返回。
// 缓冲区从DefaultBufSize开始按需翻倍，超过MaxBufSize视为溢出
func serveConn(tag string, fd int, connType ConnectionType, conn net.Conn, callback *BaseListenerCallback, stop <-chan struct{}) {
	buf := make([]byte, DefaultBufSize)
	used := 0

	defer func() {
		if callback.OnDisconnected != nil {
			callback.OnDisconnected(fd, connType)
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if used == len(buf) {
			if len(buf) >= MaxBufSize {
				log.Errorf("[%s] 缓冲区溢出，关闭连接 (fd=%d)", tag, fd)
				return
			}
			grown := make([]byte, len(buf)*2)
			copy(grown, buf[:used])
			buf = grown
		}

		n, err := conn.Read(buf[used:])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("[%s] 连接关闭 (fd=%d)", tag, fd)
			} else {
				log.Errorf("[%s] 读取数据错误 (fd=%d): %v", tag, fd, err)
			}
			return
		}
		if n == 0 {
			return
		}
		used += n

		if callback.OnDataReceived == nil {
			used = 0
			continue
		}
		// 一次读取可能包含多个完整数据包，处理到不足一个包为止
		for used > 0 {
			processed := callback.OnDataReceived(fd, connType, buf, used)
			if processed < 0 {
				log.Errorf("[%s] 数据包处理失败，关闭连接 (fd=%d)", tag, fd)
				return
			}
			if processed == 0 {
				break
			}
			used -= processed
			if used > 0 {
				copy(buf, buf[processed:processed+used])
			}
		}
	}
}
