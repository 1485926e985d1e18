package device_auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

var (
	groupBucketKey    = []byte("groups")
	localKeyBucketKey = []byte("keys")
	peerKeyBucketKey  = []byte("peer_keys")
)

// GroupDBName 数据目录下的组数据库文件名
const GroupDBName = "device_auth.db"

type storedKeyPair struct {
	Private []byte `cbor:"1,keyasint"`
	Public  []byte `cbor:"2,keyasint"`
}

// BoltStore 基于bbolt的组存储，同时作为hichain的长期密钥存储
type BoltStore struct {
	mu      sync.RWMutex
	db      *bolt.DB
	encMode cbor.EncMode
}

// NewBoltGroupStore 打开（必要时创建）path处的数据库
func NewBoltGroupStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开组数据库失败: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{groupBucketKey, localKeyBucketKey, peerKeyBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化bucket失败: %w", err)
	}
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("[DEVICE_AUTH] 组数据库已打开: %s", path)
	return &BoltStore{db: db, encMode: encMode}, nil
}

func (s *BoltStore) handle() (*bolt.DB, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	data, err := s.encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("cbor编码失败: %w", err)
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// get 不存在时返回 found=false
func (s *BoltStore) get(bucket []byte, key string, v interface{}) (found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	err = db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(data, v)
	})
	return found, err
}

func (s *BoltStore) remove(bucket []byte, key string) (existed bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	return existed, err
}

func (s *BoltStore) PutGroup(rec *GroupRecord) error {
	if rec == nil || rec.GroupId == "" {
		return ErrInvalidParams
	}
	return s.put(groupBucketKey, rec.GroupId, rec)
}

func (s *BoltStore) GetGroup(groupId string) (*GroupRecord, error) {
	var rec GroupRecord
	found, err := s.get(groupBucketKey, groupId, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrGroupNotFound
	}
	return &rec, nil
}

func (s *BoltStore) DeleteGroup(groupId string) error {
	existed, err := s.remove(groupBucketKey, groupId)
	if err != nil {
		return err
	}
	if !existed {
		return ErrGroupNotFound
	}
	return nil
}

// ListGroups bbolt按键字节序遍历，即按组ID排序
func (s *BoltStore) ListGroups() ([]*GroupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var out []*GroupRecord
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(groupBucketKey).ForEach(func(k, v []byte) error {
			var rec GroupRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				log.Warnf("[DEVICE_AUTH] 跳过损坏的组记录 %s: %v", k, err)
				return nil
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) LoadLocalKey(authId string) ([]byte, []byte, bool) {
	var kp storedKeyPair
	found, err := s.get(localKeyBucketKey, authId, &kp)
	if err != nil {
		log.Errorf("[DEVICE_AUTH] 读取本机密钥失败: %v", err)
		return nil, nil, false
	}
	return kp.Private, kp.Public, found
}

func (s *BoltStore) SaveLocalKey(authId string, privateKey, publicKey []byte) error {
	return s.put(localKeyBucketKey, authId, &storedKeyPair{Private: privateKey, Public: publicKey})
}

func (s *BoltStore) SavePeerKey(authId string, publicKey []byte) error {
	return s.put(peerKeyBucketKey, authId, publicKey)
}

func (s *BoltStore) GetPeerKey(authId string) ([]byte, bool) {
	var pk []byte
	found, err := s.get(peerKeyBucketKey, authId, &pk)
	if err != nil {
		log.Errorf("[DEVICE_AUTH] 读取对端公钥失败: %v", err)
		return nil, false
	}
	return pk, found
}

func (s *BoltStore) DeletePeerKey(authId string) error {
	_, err := s.remove(peerKeyBucketKey, authId)
	return err
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil && !errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return err
	}
	return nil
}
