package auth_message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dmctx "github.com/junbin-yang/devicemanager-go/pkg/context"
)

func sampleRequest(thumb []byte) *dmctx.RequestContext {
	return &dmctx.RequestContext{
		AuthType:        1,
		DeviceId:        "dev-b",
		LocalDeviceId:   "dev-a",
		DeviceName:      "phone-a",
		DeviceTypeId:    0x0E,
		GroupVisibility: dmctx.VisibilityPrivate,
		CryptoSupport:   true,
		CryptoName:      "AES",
		CryptoVer:       "1.0",
		HostPkgName:     "pkg.a",
		TargetPkgName:   "pkg.b",
		AppName:         "demo",
		AppDesc:         "demo app",
		AppIcon:         []byte("icon"),
		AppThumbnail:    thumb,
		Token:           "12345678",
		GroupList:       []string{"G1", "G2"},
	}
}

func newPair(thumb []byte, sliceSize int) (*AuthMessageProcessor, *AuthMessageProcessor) {
	sender := NewAuthMessageProcessor(sliceSize)
	sender.SetRequestContext(sampleRequest(thumb))
	receiver := NewAuthMessageProcessor(sliceSize)
	receiver.SetResponseContext(&dmctx.ResponseContext{})
	return sender, receiver
}

func TestNegotiateRoundTrip(t *testing.T) {
	sender, receiver := newPair(nil, 0)
	msg, err := sender.CreateSimpleMessage(MsgTypeNegotiate)
	require.NoError(t, err)

	complete, err := receiver.ParseMessage(msg)
	require.NoError(t, err)
	assert.True(t, complete)

	resp := receiver.GetResponseContext()
	assert.Equal(t, MsgTypeNegotiate, resp.MsgType)
	assert.Equal(t, "dev-a", resp.DeviceId)
	assert.Equal(t, "dev-b", resp.LocalDeviceId)
	assert.Equal(t, int32(1), resp.AuthType)
	assert.True(t, resp.CryptoSupport)
	assert.Equal(t, "AES", resp.CryptoName)

	// 接收方回复 NegotiateResponse，对端解析后得到拒绝码
	resp.Reply = -20005
	reply, err := receiver.CreateSimpleMessage(MsgTypeNegotiateResponse)
	require.NoError(t, err)
	back := NewAuthMessageProcessor(0)
	back.SetResponseContext(&dmctx.ResponseContext{})
	_, err = back.ParseMessage(reply)
	require.NoError(t, err)
	assert.Equal(t, int32(-20005), back.GetResponseContext().Reply)
	assert.Equal(t, "dev-b", back.GetResponseContext().DeviceId)
}

func TestNegotiateToleratesMissingCrypto(t *testing.T) {
	receiver := NewAuthMessageProcessor(0)
	receiver.SetResponseContext(&dmctx.ResponseContext{})
	_, err := receiver.ParseMessage([]byte(`{"MSG_TYPE":80,"DEVICEID":"b","LOCALDEVICEID":"a","AUTHTYPE":1}`))
	require.NoError(t, err)
	assert.False(t, receiver.GetResponseContext().CryptoSupport)
}

func TestRequestAuthSlicing(t *testing.T) {
	const m = 1000
	for _, n := range []int{0, 1, m, m + 1, 3*m + 5} {
		t.Run(fmt.Sprintf("thumb_%d", n), func(t *testing.T) {
			thumb := bytes.Repeat([]byte{0xAB}, n)
			for i := range thumb {
				thumb[i] = byte(i)
			}
			sender, receiver := newPair(thumb, m)
			msgs, err := sender.CreateAuthRequestMessage()
			require.NoError(t, err)
			require.Len(t, msgs, (n+m-1)/m+1)

			for i, raw := range msgs {
				complete, err := receiver.ParseMessage(raw)
				require.NoError(t, err)
				assert.Equal(t, i == len(msgs)-1, complete, "message %d", i)
			}

			resp := receiver.GetResponseContext()
			assert.Equal(t, MsgTypeRequestAuth, resp.MsgType)
			assert.Equal(t, "dev-a", resp.DeviceId)
			assert.Equal(t, "phone-a", resp.DeviceName)
			assert.Equal(t, int32(0x0E), resp.DeviceTypeId)
			assert.Equal(t, "pkg.b", resp.TargetPkgName)
			assert.Equal(t, "pkg.a", resp.HostPkgName)
			assert.Equal(t, "demo", resp.AppName)
			assert.Equal(t, []byte("icon"), resp.AppIcon)
			assert.Equal(t, "12345678", resp.Token)
			assert.Equal(t, len(thumb), len(resp.AppThumbnail))
			assert.True(t, bytes.Equal(thumb, resp.AppThumbnail))
		})
	}
}

func TestRequestAuthPublicOmitsPackages(t *testing.T) {
	sender, receiver := newPair(nil, 0)
	sender.GetRequestContext().GroupVisibility = dmctx.VisibilityPublic
	msgs, err := sender.CreateAuthRequestMessage()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0], &raw))
	assert.NotContains(t, raw, TagTarget)
	assert.NotContains(t, raw, TagHost)

	_, err = receiver.ParseMessage(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, dmctx.VisibilityPublic, receiver.GetResponseContext().GroupVisibility)
}

func TestRequestAuthSliceOrdering(t *testing.T) {
	thumb := bytes.Repeat([]byte("x"), 2500)
	sender, receiver := newPair(thumb, 1000)
	msgs, err := sender.CreateAuthRequestMessage()
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	cases := []struct {
		name  string
		order []int
	}{
		{"out_of_order", []int{0, 2}},
		{"duplicate", []int{0, 1, 1}},
		{"continuation_first", []int{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var lastErr error
			for _, i := range tc.order {
				_, lastErr = receiver.ParseMessage(msgs[i])
			}
			assert.ErrorIs(t, lastErr, ErrMalformedMessage)

			// 出错后缓存被清空，可以从头片重新开始
			for i, raw := range msgs {
				complete, err := receiver.ParseMessage(raw)
				require.NoError(t, err)
				assert.Equal(t, i == len(msgs)-1, complete)
			}
		})
	}
}

func TestRequestAuthRejectsBadSliceHeader(t *testing.T) {
	receiver := NewAuthMessageProcessor(1000)
	receiver.SetResponseContext(&dmctx.ResponseContext{})
	_, err := receiver.ParseMessage([]byte(`{"MSG_TYPE":100,"SLICE":12,"INDEX":0,"DEVICEID":"b","THUMSIZE":10,"LOCALDEVICEID":"a","AUTHTYPE":1}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = receiver.ParseMessage([]byte(`{"MSG_TYPE":100,"SLICE":1,"INDEX":0,"DEVICEID":"b","THUMSIZE":0}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestRequestAuthRejectionFields(t *testing.T) {
	receiver := NewAuthMessageProcessor(0)
	receiver.SetResponseContext(&dmctx.ResponseContext{})
	complete, err := receiver.ParseMessage([]byte(`{"MSG_TYPE":100,"SLICE":1,"INDEX":0,"DEVICEID":"b","THUMSIZE":0,` +
		`"LOCALDEVICEID":"a","AUTHTYPE":1,"REPLY":-20005,"NETID":"n","GROUPID":"g","GROUPNAME":"gn","REQUESTID":5}`))
	require.NoError(t, err)
	assert.True(t, complete)
	resp := receiver.GetResponseContext()
	assert.Equal(t, int32(-20005), resp.Reply)
	assert.Equal(t, "g", resp.GroupId)
	assert.Equal(t, int64(5), resp.RequestId)
}

func TestResponseAuth(t *testing.T) {
	owner := NewAuthMessageProcessor(0)
	owner.SetResponseContext(&dmctx.ResponseContext{
		Reply:         0,
		DeviceId:      "dev-a",
		LocalDeviceId: "dev-b",
		Token:         "12345678",
		NetworkId:     "net-b",
		GroupId:       `{"groupId":"G1"}`,
		GroupName:     "pkg.b123",
		RequestId:     77,
		AuthToken:     (&dmctx.AuthToken{PinCode: 123456, PinToken: "12345678"}).String(),
	})
	msg, err := owner.CreateSimpleMessage(MsgTypeResponseAuth)
	require.NoError(t, err)

	requester := NewAuthMessageProcessor(0)
	requester.SetResponseContext(&dmctx.ResponseContext{})
	_, err = requester.ParseMessage(msg)
	require.NoError(t, err)
	resp := requester.GetResponseContext()
	assert.Equal(t, MsgTypeResponseAuth, resp.MsgType)
	assert.Equal(t, "G1", resp.GroupId)
	assert.Equal(t, "net-b", resp.NetworkId)
	assert.Equal(t, int64(77), resp.RequestId)
	assert.Equal(t, "dev-b", resp.DeviceId)
	tok, err := dmctx.ParseAuthToken(resp.AuthToken)
	require.NoError(t, err)
	assert.Equal(t, int32(123456), tok.PinCode)

	// 拒绝时只带REPLY和DEVICEID
	owner.GetResponseContext().Reply = -20005
	msg, err = owner.CreateSimpleMessage(MsgTypeResponseAuth)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &raw))
	assert.NotContains(t, raw, TagGroupId)
	assert.NotContains(t, raw, TagAuthToken)

	_, err = requester.ParseMessage([]byte(`{"MSG_TYPE":200,"REPLY":0,"DEVICEID":"a"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestTerminateAndSync(t *testing.T) {
	sender, receiver := newPair(nil, 0)
	sender.GetRequestContext().Reason = -20006
	msg, err := sender.CreateSimpleMessage(MsgTypeReqAuthTerminate)
	require.NoError(t, err)
	_, err = receiver.ParseMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, int32(-20006), receiver.GetResponseContext().Reply)
	assert.Equal(t, MsgTypeReqAuthTerminate, receiver.GetResponseContext().MsgType)

	msg, err = sender.CreateSimpleMessage(MsgTypeSyncGroup)
	require.NoError(t, err)
	_, err = receiver.ParseMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"G1", "G2"}, receiver.GetResponseContext().GroupList)
	assert.Equal(t, "dev-a", receiver.GetResponseContext().DeviceId)

	msg, err = sender.CreateSimpleMessage(MsgTypeChannelClosed)
	require.NoError(t, err)
	_, err = receiver.ParseMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeChannelClosed, receiver.GetResponseContext().MsgType)
}

func TestSessionIdentityBinding(t *testing.T) {
	receiver := NewAuthMessageProcessor(0)
	receiver.SetResponseContext(&dmctx.ResponseContext{LocalDeviceId: "dev-b"})

	// 发给其他设备的协商
	_, err := receiver.ParseMessage([]byte(`{"MSG_TYPE":80,"DEVICEID":"dev-x","LOCALDEVICEID":"dev-a","AUTHTYPE":1}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = receiver.ParseMessage([]byte(`{"MSG_TYPE":80,"DEVICEID":"dev-b","LOCALDEVICEID":"dev-a","AUTHTYPE":1}`))
	require.NoError(t, err)
	resp := receiver.GetResponseContext()
	assert.Equal(t, "dev-a", resp.DeviceId)
	assert.Equal(t, "dev-b", resp.LocalDeviceId)

	// 绑定后发送方不能改变
	for _, raw := range []string{
		`{"MSG_TYPE":100,"SLICE":1,"INDEX":0,"DEVICEID":"dev-b","THUMSIZE":0,"LOCALDEVICEID":"dev-c","AUTHTYPE":1}`,
		`{"MSG_TYPE":400,"DEVICEID":"dev-b","LOCALDEVICEID":"dev-c","GROUPIDS":["G9"]}`,
		`{"MSG_TYPE":400,"DEVICEID":"dev-c","LOCALDEVICEID":"dev-a","GROUPIDS":["G9"]}`,
	} {
		_, err := receiver.ParseMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedMessage, raw)
		assert.Equal(t, "dev-a", resp.DeviceId)
		assert.Equal(t, "dev-b", resp.LocalDeviceId)
	}
	assert.Empty(t, resp.GroupList)

	// 省略LOCALDEVICEID时沿用已绑定的对端
	_, err = receiver.ParseMessage([]byte(`{"MSG_TYPE":400,"DEVICEID":"dev-b","GROUPIDS":["G1"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"G1"}, resp.GroupList)
	assert.Equal(t, "dev-a", resp.DeviceId)
}

func TestRequesterBindsTargetDevice(t *testing.T) {
	requester := NewAuthMessageProcessor(0)
	requester.SetRequestContext(sampleRequest(nil))
	requester.SetResponseContext(&dmctx.ResponseContext{LocalDeviceId: "dev-a"})

	_, err := requester.ParseMessage([]byte(`{"MSG_TYPE":90,"DEVICEID":"dev-a","LOCALDEVICEID":"dev-c","AUTHTYPE":1,"REPLY":0}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = requester.ParseMessage([]byte(`{"MSG_TYPE":90,"DEVICEID":"dev-a","LOCALDEVICEID":"dev-b","AUTHTYPE":1,"REPLY":0}`))
	require.NoError(t, err)
	assert.Equal(t, "dev-b", requester.GetResponseContext().DeviceId)
	assert.Equal(t, "dev-a", requester.GetResponseContext().LocalDeviceId)
}

func TestParseErrors(t *testing.T) {
	receiver := NewAuthMessageProcessor(0)
	_, err := receiver.ParseMessage([]byte(`{}`))
	assert.ErrorIs(t, err, ErrNoContext)

	receiver.SetResponseContext(&dmctx.ResponseContext{})
	for _, raw := range []string{`not json`, `{}`, `{"MSG_TYPE":"x"}`, `{"MSG_TYPE":104}`} {
		_, err := receiver.ParseMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedMessage, raw)
	}

	complete, err := receiver.ParseMessage([]byte(`{"MSG_TYPE":999,"whatever":1}`))
	assert.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, int32(999), receiver.GetResponseContext().MsgType)

	_, err = NewAuthMessageProcessor(0).CreateSimpleMessage(12345)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestExtractGroupId(t *testing.T) {
	assert.Equal(t, "G1", ExtractGroupId(`{"groupId":"G1"}`))
	assert.Equal(t, "G2", ExtractGroupId("G2"))
	assert.Equal(t, "", ExtractGroupId("{bad"))
}
