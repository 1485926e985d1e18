package authentication

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/junbin-yang/devicemanager-go/pkg/auth_message"
	dmctx "github.com/junbin-yang/devicemanager-go/pkg/context"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testExtra = `{"targetPkgName":"com.example.b","appName":"demo","appDescription":"demo app"}`

func waitForState(t *testing.T, mgr *AuthManager, state AuthStateType) {
	t.Helper()
	require.Eventually(t, func() bool { return mgr.GetAuthState() == state },
		3*time.Second, 5*time.Millisecond, "未进入状态 %s", state)
}

func TestAuthenticateDeviceSuccess(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	var devA, devB *testDevice
	devB = newTestDevice(t, bus, svc, "device-b", testTimeouts(), func(d *testDevice) {
		d.ui.onConfirm = func(string) { _ = d.mgr.SetUserOperation(UserOperationAllow) }
	})
	devA = newTestDevice(t, bus, svc, "device-a", testTimeouts(), func(d *testDevice) {
		d.ui.onInputPin = func(token string) {
			_ = d.mgr.VerifyAuthentication(fmt.Sprintf(`{"PIN_CODE":%d,"PIN_TOKEN":"%s"}`, devB.mgr.GetPinCode(), token))
		}
	})

	require.NoError(t, devA.mgr.AuthenticateDevice("com.example.a", AuthTypePin, "device-b", testExtra))

	resA := devA.listener.wait(t)
	resB := devB.listener.wait(t)

	assert.Equal(t, ReasonOK, resA.reason)
	assert.Equal(t, "com.example.a", resA.pkgName)
	assert.Equal(t, "device-b", resA.deviceId)
	assert.Equal(t, AuthStateRequestNetwork, resA.state)
	assert.Len(t, resA.token, 8)

	assert.Equal(t, ReasonOK, resB.reason)
	assert.Equal(t, "com.example.b", resB.pkgName)
	assert.Equal(t, "device-a", resB.deviceId)
	assert.Equal(t, AuthStateResponseShow, resB.state)
	assert.Equal(t, resA.token, resB.token)

	assert.Equal(t, []AuthStateType{
		AuthStateRequestInit, AuthStateRequestNegotiate, AuthStateRequestNegotiateDone,
		AuthStateRequestReply, AuthStateRequestInput, AuthStateRequestJoin,
		AuthStateRequestNetwork, AuthStateRequestFinish,
	}, devA.observer.entered())
	assert.Equal(t, []AuthStateType{
		AuthStateResponseInit, AuthStateResponseNegotiate, AuthStateResponseConfirm,
		AuthStateResponseGroup, AuthStateResponseShow, AuthStateResponseFinish,
	}, devB.observer.entered())

	assert.True(t, devA.hc.IsDevicesInGroup("device-a", "device-b"))
	assert.NotEmpty(t, devB.hc.syncedGroups())
	assert.Equal(t, []string{"device-a"}, devB.hc.syncPeers())
	require.Len(t, devA.net.joined(), 1)
	assert.Equal(t, "device-b", devA.net.joined()[0].DeviceID)
	require.Len(t, devB.net.joined(), 1)
	assert.Equal(t, "device-a", devB.net.joined()[0].DeviceID)
	assert.Equal(t, "name-device-a", devB.net.joined()[0].DeviceName)

	verifies := devA.listener.verifyResults()
	require.Len(t, verifies, 1)
	assert.Equal(t, ReasonOK, verifies[0].result)
	assert.Equal(t, AuthTypePin, verifies[0].flag)

	typesA := devA.sb.sentTypes()
	assert.Equal(t, 1, countType(typesA, auth_message.MsgTypeSyncGroup))
	assert.Equal(t, 1, countType(typesA, auth_message.MsgTypeReqAuthTerminate))
	assert.Equal(t, int32(-1), devB.mgr.GetPinCode())
	assert.Equal(t, AuthStateNone, devA.mgr.GetAuthState())
	assert.Equal(t, AuthStateNone, devB.mgr.GetAuthState())
}

func TestAuthenticateDeviceValidation(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	bus.endpoint("device-b")

	bigIcon := base64.StdEncoding.EncodeToString(make([]byte, auth_message.MaxIconSize+1))
	cases := []struct {
		name     string
		pkg      string
		authType int32
		deviceId string
		extra    string
		want     error
	}{
		{"empty pkg", "", AuthTypePin, "device-b", testExtra, ErrInputInvalid},
		{"empty extra", "pkg", AuthTypePin, "device-b", "", ErrInputInvalid},
		{"unknown auth type", "pkg", 99, "device-b", testExtra, ErrNotSupported},
		{"offline device", "pkg", AuthTypePin, "device-x", testExtra, ErrInputInvalid},
		{"bad extra", "pkg", AuthTypePin, "device-b", "not-json", ErrInputInvalid},
		{"icon too large", "pkg", AuthTypePin, "device-b", `{"appIcon":"` + bigIcon + `"}`, ErrInputInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := devA.mgr.AuthenticateDevice(tc.pkg, tc.authType, tc.deviceId, tc.extra)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, devA.sb.opened)
	assert.Equal(t, AuthStateNone, devA.mgr.GetAuthState())
}

func TestAuthenticateDeviceBusy(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	newTestDevice(t, bus, svc, "device-b", testTimeouts(), nil)

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra))
	assert.ErrorIs(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra), ErrBusy)
}

func TestNegotiateTimeout(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	timeouts := testTimeouts()
	timeouts.Negotiate = 50 * time.Millisecond
	devA := newTestDevice(t, bus, svc, "device-a", timeouts, nil)
	silent := bus.endpoint("device-s")

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-s", testExtra))
	res := devA.listener.wait(t)
	assert.Equal(t, ReasonTimeout, res.reason)
	assert.Equal(t, AuthStateRequestNegotiate, res.state)

	types := silent.receivedTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, auth_message.MsgTypeNegotiate, types[0])
	assert.Equal(t, 1, countType(types, auth_message.MsgTypeReqAuthTerminate))
	devA.listener.assertNoMore(t)
}

func TestTrustedPeerRejected(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	svc.addGroup("existing", "device-a", "device-b")
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	devB := newTestDevice(t, bus, svc, "device-b", testTimeouts(), nil)

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra))
	resA := devA.listener.wait(t)
	resB := devB.listener.wait(t)

	assert.Equal(t, ReasonPeerRejected, resA.reason)
	assert.Equal(t, AuthStateRequestNegotiateDone, resA.state)
	assert.Equal(t, ReasonPeerRejected, resB.reason)
	assert.Equal(t, AuthStateResponseNegotiate, resB.state)
	assert.Zero(t, countType(devA.sb.sentTypes(), auth_message.MsgTypeReqAuthTerminate))
	assert.Equal(t, 1, svc.groupCount())
}

func TestUserCancelInConfirm(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	devB := newTestDevice(t, bus, svc, "device-b", testTimeouts(), func(d *testDevice) {
		d.ui.onConfirm = func(params string) {
			if strings.Contains(params, `"appName":"demo"`) {
				_ = d.mgr.SetUserOperation(UserOperationCancel)
			}
		}
	})

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra))
	resA := devA.listener.wait(t)
	resB := devB.listener.wait(t)

	assert.Equal(t, ReasonPeerRejected, resA.reason)
	assert.Equal(t, AuthStateRequestReply, resA.state)
	assert.Equal(t, ReasonUserCanceled, resB.reason)
	assert.Equal(t, AuthStateResponseConfirm, resB.state)
	assert.Zero(t, svc.groupCount())
}

func TestConfirmTimeoutOnResponder(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	timeouts := testTimeouts()
	timeouts.Confirm = 50 * time.Millisecond
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	devB := newTestDevice(t, bus, svc, "device-b", timeouts, nil)

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra))
	resB := devB.listener.wait(t)
	resA := devA.listener.wait(t)

	assert.Equal(t, ReasonTimeout, resB.reason)
	assert.Equal(t, AuthStateResponseConfirm, resB.state)
	assert.Equal(t, ReasonTimeout, resA.reason)
	assert.Equal(t, AuthStateRequestNegotiateDone, resA.state)
	assert.Equal(t, 1, countType(devB.sb.sentTypes(), auth_message.MsgTypeRespAuthTerminate))
}

func TestWrongPinExhaustsRetries(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	errs := make(chan error, 8)
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), func(d *testDevice) {
		d.ui.onInputPin = func(string) {
			for i := 0; i < DefaultMaxPinRetries+1; i++ {
				errs <- d.mgr.VerifyAuthentication(`{"PIN_CODE":1}`)
			}
		}
	})
	devB := newTestDevice(t, bus, svc, "device-b", testTimeouts(), func(d *testDevice) {
		d.ui.onConfirm = func(string) { _ = d.mgr.SetUserOperation(UserOperationAllow) }
	})

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra))
	resA := devA.listener.wait(t)
	resB := devB.listener.wait(t)

	for i := 0; i < DefaultMaxPinRetries; i++ {
		assert.ErrorIs(t, <-errs, ErrAuthInputFailed)
	}
	assert.ErrorIs(t, <-errs, ErrPeerRejected)

	assert.Equal(t, ReasonPeerRejected, resA.reason)
	assert.Equal(t, AuthStateRequestInput, resA.state)
	assert.Equal(t, ReasonPeerRejected, resB.reason)
	assert.Equal(t, AuthStateResponseShow, resB.state)
	assert.Zero(t, svc.groupCount())
	assert.Len(t, svc.deleted, 1)

	verifies := devA.listener.verifyResults()
	require.Len(t, verifies, DefaultMaxPinRetries+1)
	assert.Equal(t, ReasonAuthInputFailed, verifies[0].result)
	assert.Equal(t, ReasonPeerRejected, verifies[DefaultMaxPinRetries].result)
}

func TestResponderBusyRejectsThirdDevice(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	confirming := make(chan struct{}, 1)
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	devB := newTestDevice(t, bus, svc, "device-b", testTimeouts(), func(d *testDevice) {
		d.ui.onConfirm = func(string) { confirming <- struct{}{} }
	})
	devC := newTestDevice(t, bus, svc, "device-c", testTimeouts(), nil)

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra))
	select {
	case <-confirming:
	case <-time.After(3 * time.Second):
		t.Fatal("未弹出授权框")
	}

	require.NoError(t, devC.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-b", testExtra))
	resC := devC.listener.wait(t)
	assert.Equal(t, ReasonBusy, resC.reason)
	// 205先于或晚于客户端的会话打开回调到达都可能，通常已发出Negotiate
	assert.Contains(t, []AuthStateType{AuthStateRequestInit, AuthStateRequestNegotiate}, resC.state)
	assert.Equal(t, 1, countType(devC.sb.receivedTypes(), auth_message.MsgTypeRespAuthTerminate))
	assert.Equal(t, AuthStateResponseConfirm, devB.mgr.GetAuthState())
	assert.Equal(t, AuthStateRequestNegotiateDone, devA.mgr.GetAuthState())
}

// rawPeer 不运行AuthManager的对端，用于手工构造消息
type rawPeer struct {
	sb        *fakeSoftbus
	sessionId int
	opened    chan struct{}
	msgs      chan []byte
}

func (r *rawPeer) OnSessionOpened(sessionId int, side softbus.SessionSide, result int32) {
	if side == softbus.SideClient {
		r.opened <- struct{}{}
	}
}

func (r *rawPeer) OnSessionClosed(sessionId int) {}

func (r *rawPeer) OnBytesReceived(sessionId int, data []byte) {
	r.msgs <- append([]byte(nil), data...)
}

func dialRawPeer(t *testing.T, bus *fakeBus, id, target string) *rawPeer {
	t.Helper()
	r := &rawPeer{sb: bus.endpoint(id), opened: make(chan struct{}, 1), msgs: make(chan []byte, 16)}
	require.NoError(t, r.sb.RegisterSessionCallback(r))
	sid, err := r.sb.OpenAuthSession(target)
	require.NoError(t, err)
	r.sessionId = sid
	select {
	case <-r.opened:
	case <-time.After(3 * time.Second):
		t.Fatal("会话未打开")
	}
	return r
}

func (r *rawPeer) send(t *testing.T, msgs ...[]byte) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, r.sb.SendData(r.sessionId, msg))
	}
}

func (r *rawPeer) expect(t *testing.T, msgType int32) {
	t.Helper()
	for {
		select {
		case msg := <-r.msgs:
			if msgTypes([][]byte{msg})[0] == msgType {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("未收到消息 %d", msgType)
		}
	}
}

func rawRequest(local, peer string) *auth_message.AuthMessageProcessor {
	p := auth_message.NewAuthMessageProcessor(64)
	p.SetRequestContext(&dmctx.RequestContext{
		AuthType:      AuthTypePin,
		DeviceId:      peer,
		LocalDeviceId: local,
		DeviceName:    "name-" + local,
		HostPkgName:   "pkg",
		TargetPkgName: "com.example.b",
		AppName:       "demo",
		Token:         "12345678",
		GroupList:     []string{"G-remote"},
	})
	p.SetResponseContext(&dmctx.ResponseContext{LocalDeviceId: local})
	return p
}

func TestSyncGroupBoundToSessionPeer(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devB := newTestDevice(t, bus, svc, "device-b", testTimeouts(), func(d *testDevice) {
		d.ui.onConfirm = func(string) { _ = d.mgr.SetUserOperation(UserOperationAllow) }
	})
	peer := dialRawPeer(t, bus, "device-a", "device-b")
	p := rawRequest("device-a", "device-b")

	negotiate, err := p.CreateSimpleMessage(auth_message.MsgTypeNegotiate)
	require.NoError(t, err)
	peer.send(t, negotiate)
	peer.expect(t, auth_message.MsgTypeNegotiateResponse)

	reqs, err := p.CreateAuthRequestMessage()
	require.NoError(t, err)
	peer.send(t, reqs...)
	peer.expect(t, auth_message.MsgTypeResponseAuth)
	waitForState(t, devB.mgr, AuthStateResponseShow)

	// 对端尚未加入组，SyncGroup被忽略
	syncMsg, err := p.CreateSimpleMessage(auth_message.MsgTypeSyncGroup)
	require.NoError(t, err)
	peer.send(t, syncMsg)
	devB.listener.assertNoMore(t)
	assert.Equal(t, AuthStateResponseShow, devB.mgr.GetAuthState())

	// 冒用第三台设备的身份
	forged, err := rawRequest("device-c", "device-b").CreateSimpleMessage(auth_message.MsgTypeSyncGroup)
	require.NoError(t, err)
	peer.send(t, forged)
	res := devB.listener.wait(t)
	assert.Equal(t, ReasonMalformedMessage, res.reason)
	assert.Equal(t, AuthStateResponseShow, res.state)
	assert.Empty(t, devB.hc.syncPeers())
	assert.Zero(t, svc.groupCount())
}

func TestNegotiateForOtherDeviceRejected(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devB := newTestDevice(t, bus, svc, "device-b", testTimeouts(), nil)
	peer := dialRawPeer(t, bus, "device-a", "device-b")

	negotiate, err := rawRequest("device-a", "device-x").CreateSimpleMessage(auth_message.MsgTypeNegotiate)
	require.NoError(t, err)
	peer.send(t, negotiate)

	res := devB.listener.wait(t)
	assert.Equal(t, ReasonMalformedMessage, res.reason)
	assert.Equal(t, AuthStateResponseInit, res.state)
	peer.expect(t, auth_message.MsgTypeRespAuthTerminate)
}

func TestFinishSessionIsIdempotent(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	silent := bus.endpoint("device-s")

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-s", testExtra))
	waitForState(t, devA.mgr, AuthStateRequestNegotiate)

	require.NoError(t, devA.mgr.call(func() error {
		devA.mgr.finishSession(ErrUserCanceled, true)
		devA.mgr.finishSession(ErrTimeout, true)
		return nil
	}))
	res := devA.listener.wait(t)
	assert.Equal(t, ReasonUserCanceled, res.reason)
	assert.Equal(t, 1, countType(silent.receivedTypes(), auth_message.MsgTypeReqAuthTerminate))
	devA.listener.assertNoMore(t)
}

func TestStaleTimerIgnored(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	bus.endpoint("device-s")

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-s", testExtra))
	waitForState(t, devA.mgr, AuthStateRequestNegotiate)

	require.NoError(t, devA.mgr.call(func() error {
		devA.mgr.handleTimeout(devA.mgr.gen-1, PhaseNegotiate)
		devA.mgr.handleTimeout(devA.mgr.gen, PhaseInput)
		return nil
	}))
	assert.Equal(t, AuthStateRequestNegotiate, devA.mgr.GetAuthState())

	require.NoError(t, devA.mgr.SetUserOperation(UserOperationCancel))
	res := devA.listener.wait(t)
	assert.Equal(t, ReasonUserCanceled, res.reason)
}

func TestStateWithoutManager(t *testing.T) {
	s := &requestInitState{}
	assert.ErrorIs(t, s.Enter(), ErrInternal)
	assert.Equal(t, AuthStateRequestInit, s.GetStateType())
	assert.Equal(t, "RequestInit", s.GetStateType().String())
	assert.Equal(t, "Unknown", AuthStateType(99).String())
}

func TestOperationsWithoutSession(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)

	assert.ErrorIs(t, devA.mgr.SetUserOperation(UserOperationAllow), ErrInputInvalid)
	assert.ErrorIs(t, devA.mgr.SetUserOperation(UserOperationCancel), ErrInputInvalid)
	assert.ErrorIs(t, devA.mgr.SetUserOperation(42), ErrInputInvalid)
	assert.ErrorIs(t, devA.mgr.VerifyAuthentication(`{"PIN_CODE":123456}`), ErrInputInvalid)
	assert.Equal(t, int32(-1), devA.mgr.GetPinCode())
}

func TestUnAuthenticateDevice(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	svc.addGroup("g1", "device-a", "device-b")
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)

	assert.ErrorIs(t, devA.mgr.UnAuthenticateDevice("", "device-b"), ErrInputInvalid)
	require.NoError(t, devA.mgr.UnAuthenticateDevice("pkg", "device-b"))
	assert.Equal(t, []string{"g1"}, svc.deleted)
	assert.ErrorIs(t, devA.mgr.UnAuthenticateDevice("pkg", "device-b"), ErrInputInvalid)
}

func TestCloseFinishesActiveSession(t *testing.T) {
	bus, svc := newFakeBus(), newFakeGroupService()
	devA := newTestDevice(t, bus, svc, "device-a", testTimeouts(), nil)
	bus.endpoint("device-s")

	require.NoError(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-s", testExtra))
	waitForState(t, devA.mgr, AuthStateRequestNegotiate)
	require.NoError(t, devA.mgr.Close())

	res := devA.listener.wait(t)
	assert.Equal(t, ReasonInternal, res.reason)
	assert.ErrorIs(t, devA.mgr.AuthenticateDevice("pkg", AuthTypePin, "device-s", testExtra), ErrInternal)
}

func TestGroupNameOf(t *testing.T) {
	assert.Equal(t, "pkg_device-a_device-b", groupNameOf("pkg", "device-aaaa", "device-bbbb"))
	assert.Equal(t, "devicemanager_a_b", groupNameOf("", "a", "b"))
}
