package softbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/junbin-yang/devicemanager-go/pkg/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openEvent struct {
	id     int
	side   SessionSide
	result int32
}

type recvEvent struct {
	id   int
	data string
}

type sessionRecorder struct {
	opened   chan openEvent
	closed   chan int
	received chan recvEvent
}

func newRecorder() *sessionRecorder {
	return &sessionRecorder{
		opened:   make(chan openEvent, 8),
		closed:   make(chan int, 8),
		received: make(chan recvEvent, 8),
	}
}

func (r *sessionRecorder) OnSessionOpened(id int, side SessionSide, result int32) {
	r.opened <- openEvent{id, side, result}
}
func (r *sessionRecorder) OnSessionClosed(id int) { r.closed <- id }
func (r *sessionRecorder) OnBytesReceived(id int, data []byte) {
	r.received <- recvEvent{id, string(data)}
}

type staticResolver struct {
	mu    sync.Mutex
	addrs map[string]string
}

func (r *staticResolver) GetConnectAddr(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.addrs[id]; ok {
		return a, nil
	}
	return "", discovery.ErrDeviceNotFound
}

func waitOpen(t *testing.T, r *sessionRecorder) openEvent {
	t.Helper()
	select {
	case ev := <-r.opened:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("等待会话打开超时")
	}
	return openEvent{}
}

func startPair(t *testing.T) (*SessionManager, *sessionRecorder, *SessionManager, *sessionRecorder) {
	t.Helper()
	resolver := &staticResolver{addrs: map[string]string{}}

	mgrA := NewSessionManager(ManagerOption{LocalDeviceID: "dev-a", ListenAddr: "127.0.0.1"}, resolver)
	portA, err := mgrA.Start()
	require.NoError(t, err)
	mgrB := NewSessionManager(ManagerOption{LocalDeviceID: "dev-b", ListenAddr: "127.0.0.1", AcceptRate: 50}, resolver)
	portB, err := mgrB.Start()
	require.NoError(t, err)
	resolver.addrs["dev-a"] = fmt.Sprintf("127.0.0.1:%d", portA)
	resolver.addrs["dev-b"] = fmt.Sprintf("127.0.0.1:%d", portB)

	recA, recB := newRecorder(), newRecorder()
	require.NoError(t, mgrA.CreateSessionServer("test.session", recA))
	require.NoError(t, mgrB.CreateSessionServer("test.session", recB))
	t.Cleanup(func() {
		mgrA.Stop()
		mgrB.Stop()
	})
	return mgrA, recA, mgrB, recB
}

func TestOpenSendClose(t *testing.T) {
	mgrA, recA, mgrB, recB := startPair(t)

	id, err := mgrA.OpenSession("test.session", "dev-b")
	require.NoError(t, err)

	server := waitOpen(t, recB)
	assert.Equal(t, SideServer, server.side)
	assert.Equal(t, OpenResultOK, server.result)
	client := waitOpen(t, recA)
	assert.Equal(t, openEvent{id, SideClient, OpenResultOK}, client)

	peer, err := mgrA.GetPeerDeviceId(id)
	require.NoError(t, err)
	assert.Equal(t, "dev-b", peer)
	peer, err = mgrB.GetPeerDeviceId(server.id)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", peer)

	require.NoError(t, mgrA.SendBytes(id, []byte(`{"MSG_TYPE":80}`)))
	require.NoError(t, mgrB.SendBytes(server.id, []byte("pong")))
	select {
	case ev := <-recB.received:
		assert.Equal(t, `{"MSG_TYPE":80}`, ev.data)
	case <-time.After(2 * time.Second):
		t.Fatal("B未收到数据")
	}
	select {
	case ev := <-recA.received:
		assert.Equal(t, recvEvent{id, "pong"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("A未收到数据")
	}

	mgrA.CloseSession(id)
	select {
	case closed := <-recB.closed:
		assert.Equal(t, server.id, closed)
	case <-time.After(2 * time.Second):
		t.Fatal("B未收到关闭通知")
	}
	select {
	case <-recA.closed:
		t.Fatal("主动关闭的一端不应收到关闭通知")
	case <-time.After(100 * time.Millisecond):
	}
	assert.ErrorIs(t, mgrA.SendBytes(id, []byte("x")), ErrSessionNotFound)
}

func TestOpenUnknownPeer(t *testing.T) {
	mgrA, _, _, _ := startPair(t)
	_, err := mgrA.OpenSession("test.session", "dev-x")
	assert.ErrorIs(t, err, ErrPeerNotFound)
	_, err = mgrA.OpenSession("other.session", "dev-b")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestOpenRejectedByMissingServer(t *testing.T) {
	mgrA, recA, mgrB, _ := startPair(t)
	require.NoError(t, mgrB.RemoveSessionServer("test.session"))

	id, err := mgrA.OpenSession("test.session", "dev-b")
	require.NoError(t, err)
	ev := waitOpen(t, recA)
	assert.Equal(t, id, ev.id)
	assert.Equal(t, OpenResultNoServer, ev.result)
}

func TestOpenDialFailure(t *testing.T) {
	resolver := &staticResolver{addrs: map[string]string{"dev-z": "127.0.0.1:1"}}
	mgr := NewSessionManager(ManagerOption{LocalDeviceID: "dev-a", ListenAddr: "127.0.0.1", DialRetries: 2, DialTimeout: 200 * time.Millisecond}, resolver)
	_, err := mgr.Start()
	require.NoError(t, err)
	defer mgr.Stop()
	rec := newRecorder()
	require.NoError(t, mgr.CreateSessionServer("test.session", rec))

	id, err := mgr.OpenSession("test.session", "dev-z")
	require.NoError(t, err)
	ev := waitOpen(t, rec)
	assert.Equal(t, openEvent{id, SideClient, OpenResultDialFail}, ev)
}

func TestSessionServerValidation(t *testing.T) {
	mgr := NewSessionManager(ManagerOption{}, nil)
	assert.ErrorIs(t, mgr.CreateSessionServer("", newRecorder()), ErrInvalidSessionName)
	assert.ErrorIs(t, mgr.CreateSessionServer("a", nil), ErrNilListener)
	require.NoError(t, mgr.CreateSessionServer("a", newRecorder()))
	assert.ErrorIs(t, mgr.CreateSessionServer("a", newRecorder()), ErrServerExists)
	assert.ErrorIs(t, mgr.RemoveSessionServer("b"), ErrServerNotFound)
}

func TestPacketHead(t *testing.T) {
	frame := packFrame(PacketTypeData, 7, []byte("abc"))
	head, err := unpackHead(frame)
	require.NoError(t, err)
	assert.Equal(t, PacketHead{PkgHeaderIdentifier, PacketTypeData, 7, 3}, head)

	frame[0] = 0
	_, err = unpackHead(frame)
	assert.ErrorIs(t, err, ErrInvalidPacketHeader)
}

func TestConnectorForwardsDeviceState(t *testing.T) {
	cache := discovery.NewDeviceCache(time.Minute)
	mgr := NewSessionManager(ManagerOption{LocalDeviceID: "dev-a"}, cache)
	conn := NewSoftbusConnector(mgr, cache)

	rec := &stateRecorder{}
	conn.RegisterSoftbusStateCallback("pkg", rec)
	cache.Update(discovery.DeviceInfo{DeviceId: "dev-b", IP: "10.0.0.2", AuthPort: 9000})
	assert.True(t, conn.IsDeviceOnline("dev-b"))
	addr, err := conn.GetConnectAddr("dev-b")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9000", addr)

	cache.Remove("dev-b")
	assert.Equal(t, []string{"+dev-b", "-dev-b"}, rec.events)
	assert.Equal(t, "dev-a", conn.GetLocalDeviceId())
}

type stateRecorder struct {
	events []string
}

func (r *stateRecorder) OnDeviceOnline(info discovery.DeviceInfo) {
	r.events = append(r.events, "+"+info.DeviceId)
}

func (r *stateRecorder) OnDeviceOffline(info discovery.DeviceInfo) {
	r.events = append(r.events, "-"+info.DeviceId)
}
