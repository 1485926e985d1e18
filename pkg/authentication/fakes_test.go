package authentication

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/junbin-yang/devicemanager-go/pkg/bus_center"
	"github.com/junbin-yang/devicemanager-go/pkg/device_auth"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 内存传输
// ============================================================================

type fakeBus struct {
	mu        sync.Mutex
	endpoints map[string]*fakeSoftbus
	ends      map[int]*fakeEnd
	nextId    int
}

type fakeEnd struct {
	id     int
	owner  *fakeSoftbus
	peer   *fakeEnd
	closed bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{endpoints: make(map[string]*fakeSoftbus), ends: make(map[int]*fakeEnd)}
}

func (b *fakeBus) endpoint(deviceId string) *fakeSoftbus {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &fakeSoftbus{bus: b, deviceId: deviceId}
	b.endpoints[deviceId] = s
	return s
}

type fakeSoftbus struct {
	bus      *fakeBus
	deviceId string

	mu       sync.Mutex
	listener softbus.ISessionListener
	sent     [][]byte
	received [][]byte
	opened   int
}

func (s *fakeSoftbus) getListener() softbus.ISessionListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *fakeSoftbus) RegisterSessionCallback(listener softbus.ISessionListener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *fakeSoftbus) UnRegisterSessionCallback() error {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	return nil
}

func (s *fakeSoftbus) OpenAuthSession(deviceId string) (int, error) {
	b := s.bus
	b.mu.Lock()
	peer := b.endpoints[deviceId]
	if peer == nil {
		b.mu.Unlock()
		return -1, errors.New("no such device")
	}
	b.nextId++
	client := &fakeEnd{id: b.nextId, owner: s}
	b.nextId++
	server := &fakeEnd{id: b.nextId, owner: peer}
	client.peer, server.peer = server, client
	b.ends[client.id] = client
	b.ends[server.id] = server
	b.mu.Unlock()

	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	go func() {
		if l := peer.getListener(); l != nil {
			l.OnSessionOpened(server.id, softbus.SideServer, softbus.OpenResultOK)
		}
		if l := s.getListener(); l != nil {
			l.OnSessionOpened(client.id, softbus.SideClient, softbus.OpenResultOK)
		}
	}()
	return client.id, nil
}

func (s *fakeSoftbus) CloseAuthSession(sessionId int) {
	b := s.bus
	b.mu.Lock()
	e := b.ends[sessionId]
	if e == nil || e.owner != s || e.closed {
		b.mu.Unlock()
		return
	}
	e.closed = true
	peer := e.peer
	notify := !peer.closed
	b.mu.Unlock()
	if notify {
		if l := peer.owner.getListener(); l != nil {
			l.OnSessionClosed(peer.id)
		}
	}
}

func (s *fakeSoftbus) SendData(sessionId int, data []byte) error {
	b := s.bus
	b.mu.Lock()
	e := b.ends[sessionId]
	if e == nil || e.owner != s || e.closed {
		b.mu.Unlock()
		return errors.New("session closed")
	}
	peer := e.peer
	dropped := peer.closed
	b.mu.Unlock()

	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	s.mu.Unlock()
	if dropped {
		return nil
	}
	peer.owner.mu.Lock()
	peer.owner.received = append(peer.owner.received, append([]byte(nil), data...))
	peer.owner.mu.Unlock()
	if l := peer.owner.getListener(); l != nil {
		l.OnBytesReceived(peer.id, data)
	}
	return nil
}

func (s *fakeSoftbus) IsDeviceOnline(deviceId string) bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	_, ok := s.bus.endpoints[deviceId]
	return ok
}

func (s *fakeSoftbus) GetConnectAddr(deviceId string) (string, error) {
	return "addr-" + deviceId, nil
}

func (s *fakeSoftbus) GetLocalDeviceId() string { return s.deviceId }

func msgTypes(msgs [][]byte) []int32 {
	var out []int32
	for _, raw := range msgs {
		var h struct {
			MsgType int32 `json:"MSG_TYPE"`
		}
		if json.Unmarshal(raw, &h) == nil {
			out = append(out, h.MsgType)
		}
	}
	return out
}

func countType(types []int32, t int32) int {
	n := 0
	for _, v := range types {
		if v == t {
			n++
		}
	}
	return n
}

func (s *fakeSoftbus) sentTypes() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return msgTypes(s.sent)
}

func (s *fakeSoftbus) receivedTypes() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return msgTypes(s.received)
}

// ============================================================================
// 内存可信组服务，所有设备共享
// ============================================================================

type fakeGroup struct {
	name    string
	members map[string]bool
}

type fakeGroupService struct {
	mu        sync.Mutex
	groups    map[string]*fakeGroup
	callbacks map[string]device_auth.HiChainConnectorCallback
	deleted   []string
}

func newFakeGroupService() *fakeGroupService {
	return &fakeGroupService{
		groups:    make(map[string]*fakeGroup),
		callbacks: make(map[string]device_auth.HiChainConnectorCallback),
	}
}

func (g *fakeGroupService) addGroup(id string, members ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp := &fakeGroup{name: id, members: make(map[string]bool)}
	for _, m := range members {
		grp.members[m] = true
	}
	g.groups[id] = grp
}

func (g *fakeGroupService) groupCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}

func (g *fakeGroupService) callback(deviceId string) device_auth.HiChainConnectorCallback {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callbacks[deviceId]
}

type fakeConnector struct {
	svc      *fakeGroupService
	deviceId string

	mu          sync.Mutex
	cb          device_auth.HiChainConnectorCallback
	synced      []string
	syncedPeers []string
}

func (c *fakeConnector) RegisterHiChainCallback(cb device_auth.HiChainConnectorCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
	c.svc.mu.Lock()
	c.svc.callbacks[c.deviceId] = cb
	c.svc.mu.Unlock()
}

func (c *fakeConnector) UnRegisterHiChainCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
	c.svc.mu.Lock()
	delete(c.svc.callbacks, c.deviceId)
	c.svc.mu.Unlock()
}

func (c *fakeConnector) getCallback() device_auth.HiChainConnectorCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *fakeConnector) CreateGroup(requestId int64, groupName string) error {
	id := groupName + "@" + c.deviceId
	c.svc.addGroup(id, c.deviceId)
	cb := c.getCallback()
	go cb.OnGroupCreated(requestId, `{"groupId":"`+id+`"}`)
	return nil
}

// AddMember 拥有方的GetPinCode与connectInfo中的PIN一致时加入成功
func (c *fakeConnector) AddMember(deviceId string, connectInfo string) error {
	var info device_auth.ConnectInfo
	if err := json.Unmarshal([]byte(connectInfo), &info); err != nil {
		return err
	}
	pin, err := strconv.ParseInt(info.PinCode.String(), 10, 32)
	if err != nil {
		return err
	}
	cb := c.getCallback()
	go func() {
		status := int32(-1)
		if owner := c.svc.callback(deviceId); owner != nil {
			if expected := owner.GetPinCode(); expected >= 0 && int64(expected) == pin {
				c.svc.mu.Lock()
				if grp := c.svc.groups[info.GroupId]; grp != nil {
					grp.members[c.deviceId] = true
					status = 0
				}
				c.svc.mu.Unlock()
			}
		}
		cb.OnMemberJoin(info.RequestId, status)
	}()
	return nil
}

func (c *fakeConnector) GetRelatedGroups(deviceId string) ([]device_auth.GroupInfo, error) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	var out []device_auth.GroupInfo
	for id, g := range c.svc.groups {
		if g.members[deviceId] && g.members[c.deviceId] {
			out = append(out, device_auth.GroupInfo{GroupId: id, GroupName: g.name})
		}
	}
	return out, nil
}

func (c *fakeConnector) IsDevicesInGroup(hostDeviceId, peerDeviceId string) bool {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	for _, g := range c.svc.groups {
		if g.members[hostDeviceId] && g.members[peerDeviceId] {
			return true
		}
	}
	return false
}

func (c *fakeConnector) DeleteGroup(groupId string) error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if _, ok := c.svc.groups[groupId]; !ok {
		return device_auth.ErrGroupNotFound
	}
	delete(c.svc.groups, groupId)
	c.svc.deleted = append(c.svc.deleted, groupId)
	return nil
}

func (c *fakeConnector) SyncGroups(peerDeviceId string, remoteGroupIds []string) error {
	c.mu.Lock()
	c.synced = append(c.synced, remoteGroupIds...)
	c.syncedPeers = append(c.syncedPeers, peerDeviceId)
	c.mu.Unlock()
	return nil
}

func (c *fakeConnector) syncedGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.synced...)
}

func (c *fakeConnector) syncPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.syncedPeers...)
}

// ============================================================================
// 组网、监听器、UI
// ============================================================================

type fakeNetwork struct {
	mu    sync.Mutex
	nodes []bus_center.NodeInfo
}

func (n *fakeNetwork) JoinLNN(node *bus_center.NodeInfo, cb bus_center.JoinLNNCallback) error {
	n.mu.Lock()
	n.nodes = append(n.nodes, *node)
	n.mu.Unlock()
	if cb != nil {
		go cb(bus_center.NetworkIDOf(node.DeviceID), 0)
	}
	return nil
}

func (n *fakeNetwork) ResolveDeviceID(id string) string { return id }

func (n *fakeNetwork) joined() []bus_center.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bus_center.NodeInfo(nil), n.nodes...)
}

type authResult struct {
	pkgName  string
	deviceId string
	token    string
	state    AuthStateType
	reason   int32
}

type verifyResult struct {
	deviceId string
	result   int32
	flag     int32
}

type recordingListener struct {
	results chan authResult

	mu       sync.Mutex
	verifies []verifyResult
}

func newRecordingListener() *recordingListener {
	return &recordingListener{results: make(chan authResult, 16)}
}

func (l *recordingListener) OnAuthResult(pkgName, deviceId, token string, state AuthStateType, reason int32) {
	l.results <- authResult{pkgName, deviceId, token, state, reason}
}

func (l *recordingListener) OnVerifyAuthResult(pkgName, deviceId string, result int32, flag int32) {
	l.mu.Lock()
	l.verifies = append(l.verifies, verifyResult{deviceId, result, flag})
	l.mu.Unlock()
}

func (l *recordingListener) wait(t *testing.T) authResult {
	t.Helper()
	select {
	case r := <-l.results:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("等待认证结果超时")
		return authResult{}
	}
}

func (l *recordingListener) assertNoMore(t *testing.T) {
	t.Helper()
	select {
	case r := <-l.results:
		t.Fatalf("多余的认证结果: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func (l *recordingListener) verifyResults() []verifyResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]verifyResult(nil), l.verifies...)
}

type recordingObserver struct {
	mu     sync.Mutex
	states []AuthStateType
}

func (o *recordingObserver) OnStateEnter(state AuthStateType) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

func (o *recordingObserver) entered() []AuthStateType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AuthStateType(nil), o.states...)
}

type fakeUi struct {
	onConfirm  func(params string)
	onShowPin  func(code int32)
	onInputPin func(token string)

	mu     sync.Mutex
	closed []int32
}

func (u *fakeUi) ShowConfirmDialog(params string) {
	if u.onConfirm != nil {
		u.onConfirm(params)
	}
}

func (u *fakeUi) ShowPin(code int32) {
	if u.onShowPin != nil {
		u.onShowPin(code)
	}
}

func (u *fakeUi) InputPin(token string) {
	if u.onInputPin != nil {
		u.onInputPin(token)
	}
}

func (u *fakeUi) ClosePage(pageId int32) {
	u.mu.Lock()
	u.closed = append(u.closed, pageId)
	u.mu.Unlock()
}

// ============================================================================
// 测试设备
// ============================================================================

type testDevice struct {
	id       string
	sb       *fakeSoftbus
	hc       *fakeConnector
	net      *fakeNetwork
	listener *recordingListener
	observer *recordingObserver
	ui       *fakeUi
	mgr      *AuthManager
}

func testTimeouts() Timeouts {
	return Timeouts{
		Authenticate:  5 * time.Second,
		Negotiate:     2 * time.Second,
		Confirm:       2 * time.Second,
		Input:         2 * time.Second,
		AddMember:     2 * time.Second,
		WaitNegotiate: 2 * time.Second,
		WaitRequest:   2 * time.Second,
	}
}

// newTestDevice UI钩子必须在返回前通过setup设置
func newTestDevice(t *testing.T, bus *fakeBus, svc *fakeGroupService, id string, timeouts Timeouts, setup func(d *testDevice)) *testDevice {
	t.Helper()
	d := &testDevice{
		id:       id,
		sb:       bus.endpoint(id),
		hc:       &fakeConnector{svc: svc, deviceId: id},
		net:      &fakeNetwork{},
		listener: newRecordingListener(),
		observer: &recordingObserver{},
		ui:       &fakeUi{},
	}
	if setup != nil {
		setup(d)
	}
	mgr, err := NewAuthManager(AuthManagerOption{
		Softbus:         d.sb,
		HiChain:         d.hc,
		Network:         d.net,
		Listener:        d.listener,
		UI:              d.ui,
		Observer:        d.observer,
		LocalDeviceName: "name-" + id,
		LocalDeviceType: 14,
		Timeouts:        timeouts,
		SliceSize:       64,
	})
	require.NoError(t, err)
	d.mgr = mgr
	t.Cleanup(func() { _ = mgr.Close() })
	return d
}
