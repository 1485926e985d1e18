package softbus

// SessionSide 会话由哪一端发起
type SessionSide int

const (
	SideServer SessionSide = 0 // 对端发起，本端接受
	SideClient SessionSide = 1 // 本端发起
)

func (s SessionSide) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// ISessionListener 会话监听器，回调在连接的接收goroutine中执行
type ISessionListener interface {
	// OnSessionOpened 握手完成或失败时调用，result为0表示成功
	OnSessionOpened(sessionID int, side SessionSide, result int32)
	// OnSessionClosed 对端关闭或连接断开时调用，本端主动关闭不回调
	OnSessionClosed(sessionID int)
	OnBytesReceived(sessionID int, data []byte)
}

// SessionServer 注册在某个会话名下的服务
type SessionServer struct {
	SessionName string
	Listener    ISessionListener
}
