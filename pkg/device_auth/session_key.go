package device_auth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/junbin-yang/devicemanager-go/pkg/device_auth/hichain"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/crypto"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

var ErrSessionKeyNotFound = errors.New("device_auth: session key not found")

// SessionKey 组加入PAKE派生的会话密钥
type SessionKey struct {
	Index      int32
	Key        []byte // AES-128
	CreateTime time.Time
	LastUsed   time.Time
}

// SessionKeyManager 按对端设备ID保存会话密钥，索引从0递增
type SessionKeyManager struct {
	mu   sync.RWMutex
	keys map[string][]*SessionKey
	now  func() time.Time
}

func NewSessionKeyManager() *SessionKeyManager {
	return &SessionKeyManager{keys: make(map[string][]*SessionKey), now: time.Now}
}

// SetSessionKey 追加一把密钥并返回其索引
func (m *SessionKeyManager) SetSessionKey(deviceId string, key []byte) (int32, error) {
	if deviceId == "" {
		return -1, ErrInvalidParams
	}
	if len(key) != hichain.SessionKeyLength {
		return -1, fmt.Errorf("%w: session key must be %d bytes, got %d", ErrInvalidParams, hichain.SessionKeyLength, len(key))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.keys[deviceId]
	index := int32(0)
	if len(list) > 0 {
		index = list[len(list)-1].Index + 1
	}
	now := m.now()
	list = append(list, &SessionKey{
		Index:      index,
		Key:        append([]byte(nil), key...),
		CreateTime: now,
		LastUsed:   now,
	})
	m.keys[deviceId] = list
	log.Infof("[DEVICE_AUTH] 保存会话密钥: device=%s, index=%d", deviceId, index)
	return index, nil
}

func (m *SessionKeyManager) GetSessionKey(deviceId string, index int32) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys[deviceId] {
		if k.Index == index {
			k.LastUsed = m.now()
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: device=%s, index=%d", ErrSessionKeyNotFound, deviceId, index)
}

func (m *SessionKeyManager) GetLatestSessionKey(deviceId string) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.keys[deviceId]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: device=%s", ErrSessionKeyNotFound, deviceId)
	}
	k := list[len(list)-1]
	k.LastUsed = m.now()
	return k, nil
}

func (m *SessionKeyManager) RemoveSessionKey(deviceId string, index int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.keys[deviceId]
	for i, k := range list {
		if k.Index == index {
			m.keys[deviceId] = append(list[:i], list[i+1:]...)
			log.Infof("[DEVICE_AUTH] 删除会话密钥: device=%s, index=%d", deviceId, index)
			return
		}
	}
}

func (m *SessionKeyManager) RemoveAllSessionKeys(deviceId string) {
	m.mu.Lock()
	_, ok := m.keys[deviceId]
	delete(m.keys, deviceId)
	m.mu.Unlock()
	if ok {
		log.Infof("[DEVICE_AUTH] 删除设备 %s 的全部会话密钥", deviceId)
	}
}

func (m *SessionKeyManager) GetSessionKeyCount(deviceId string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys[deviceId])
}

// Encrypt 使用最新密钥加密，输出为 索引(4字节大端) + IV + 密文 + 标签
func (m *SessionKeyManager) Encrypt(deviceId string, plaintext []byte) ([]byte, error) {
	key, err := m.GetLatestSessionKey(deviceId)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.EncryptAESGCM(key.Key, plaintext, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(sealed))
	binary.BigEndian.PutUint32(out, uint32(key.Index))
	return append(out, sealed...), nil
}

func (m *SessionKeyManager) Decrypt(deviceId string, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidParams)
	}
	index := int32(binary.BigEndian.Uint32(data[:4]))
	key, err := m.GetSessionKey(deviceId, index)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptAESGCM(key.Key, data[4:], nil)
}
