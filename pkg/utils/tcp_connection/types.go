package tcp_connection

const (
	DefaultBufSize = 1536       // 初始接收缓冲区大小（字节）
	MaxBufSize     = 256 * 1024 // 缓冲区上限，超过后断开连接

	ServerFdStart = 1     // 服务端虚拟fd起始值
	ClientFdStart = 10000 // 客户端虚拟fd起始值
)

// ConnectionType 连接类型
type ConnectionType int

const (
	ConnectionTypeServer ConnectionType = iota // 对端发起，本端接受
	ConnectionTypeClient                       // 本端发起
)

func (t ConnectionType) String() string {
	if t == ConnectionTypeServer {
		return "server"
	}
	return "client"
}

type SocketOption struct {
	Addr string
	Port int
}

// ConnectOption 连接两端的地址信息
type ConnectOption struct {
	LocalSocket  *SocketOption
	RemoteSocket *SocketOption
}

// BaseListenerCallback 服务端和客户端共用的连接事件回调
type BaseListenerCallback struct {
	OnConnected    func(fd int, connType ConnectionType, connectInfo *ConnectOption)
	OnDisconnected func(fd int, connType ConnectionType)

	// OnDataReceived 处理buf[:used]中的数据，返回已消费的字节数，-1表示解析失败并断开连接
	OnDataReceived func(fd int, connType ConnectionType, buf []byte, used int) int
}
