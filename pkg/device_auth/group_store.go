package device_auth

import (
	"sort"
	"sync"
)

// GroupStore 可信组的持久化层
type GroupStore interface {
	PutGroup(rec *GroupRecord) error
	// GetGroup 不存在时返回 ErrGroupNotFound
	GetGroup(groupId string) (*GroupRecord, error)
	DeleteGroup(groupId string) error
	// ListGroups 按组ID排序返回全部组
	ListGroups() ([]*GroupRecord, error)
	Close() error
}

// MemoryGroupStore 内存实现，测试和无数据目录时使用
type MemoryGroupStore struct {
	mu     sync.RWMutex
	groups map[string]*GroupRecord
}

func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{groups: make(map[string]*GroupRecord)}
}

func (s *MemoryGroupStore) PutGroup(rec *GroupRecord) error {
	if rec == nil || rec.GroupId == "" {
		return ErrInvalidParams
	}
	s.mu.Lock()
	s.groups[rec.GroupId] = cloneRecord(rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryGroupStore) GetGroup(groupId string) (*GroupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.groups[groupId]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryGroupStore) DeleteGroup(groupId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupId]; !ok {
		return ErrGroupNotFound
	}
	delete(s.groups, groupId)
	return nil
}

func (s *MemoryGroupStore) ListGroups() ([]*GroupRecord, error) {
	s.mu.RLock()
	out := make([]*GroupRecord, 0, len(s.groups))
	for _, rec := range s.groups {
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GroupId < out[j].GroupId })
	return out, nil
}

func (s *MemoryGroupStore) Close() error { return nil }

func cloneRecord(rec *GroupRecord) *GroupRecord {
	c := *rec
	c.Members = append([]GroupMember(nil), rec.Members...)
	return &c
}
