package hichain

import (
	"sync"
)

// KeyStore 保存EXCHANGE阶段使用的ED25519长期密钥
type KeyStore interface {
	// LoadLocalKey 读取本机authId对应的密钥对，不存在时ok为false
	LoadLocalKey(authId string) (privateKey, publicKey []byte, ok bool)
	SaveLocalKey(authId string, privateKey, publicKey []byte) error
	SavePeerKey(authId string, publicKey []byte) error
	GetPeerKey(authId string) ([]byte, bool)
	DeletePeerKey(authId string) error
}

type keyPair struct {
	private []byte
	public  []byte
}

// MemoryKeyStore 内存实现的KeyStore
type MemoryKeyStore struct {
	mu    sync.RWMutex
	local map[string]keyPair
	peers map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		local: make(map[string]keyPair),
		peers: make(map[string][]byte),
	}
}

func (s *MemoryKeyStore) LoadLocalKey(authId string) ([]byte, []byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.local[authId]
	return kp.private, kp.public, ok
}

func (s *MemoryKeyStore) SaveLocalKey(authId string, privateKey, publicKey []byte) error {
	s.mu.Lock()
	s.local[authId] = keyPair{private: privateKey, public: publicKey}
	s.mu.Unlock()
	return nil
}

func (s *MemoryKeyStore) SavePeerKey(authId string, publicKey []byte) error {
	s.mu.Lock()
	s.peers[authId] = publicKey
	s.mu.Unlock()
	return nil
}

func (s *MemoryKeyStore) GetPeerKey(authId string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.peers[authId]
	return pk, ok
}

func (s *MemoryKeyStore) DeletePeerKey(authId string) error {
	s.mu.Lock()
	delete(s.peers, authId)
	s.mu.Unlock()
	return nil
}
