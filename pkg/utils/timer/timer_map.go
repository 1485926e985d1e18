package timer

import (
	"sort"
	"sync"
	"time"
)

// TimerMap 记录各阶段当前已启动的定时器
type TimerMap struct {
	mu     sync.Mutex
	timers map[string]*DmTimer
}

func NewTimerMap() *TimerMap {
	return &TimerMap{timers: make(map[string]*DmTimer)}
}

// StartTimer 为phase启动新定时器，同一阶段已有定时器时返回ErrTimerExists。
// 定时器超时后先从表中移除，再执行回调
func (m *TimerMap) StartTimer(phase string, timeout time.Duration, onExpiry TimeoutFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[phase]; ok {
		return ErrTimerExists
	}
	t := NewDmTimer(phase)
	wrapped := func(name string, userData interface{}) {
		m.mu.Lock()
		if m.timers[phase] == t {
			delete(m.timers, phase)
		}
		m.mu.Unlock()
		onExpiry(name, userData)
	}
	if err := t.Start(timeout, wrapped, phase); err != nil {
		return err
	}
	m.timers[phase] = t
	return nil
}

// DeleteTimer 停止并移除phase对应的定时器
func (m *TimerMap) DeleteTimer(phase string) {
	m.mu.Lock()
	t, ok := m.timers[phase]
	delete(m.timers, phase)
	m.mu.Unlock()
	if ok {
		t.Stop(0)
	}
}

// DeleteAll 停止全部定时器
func (m *TimerMap) DeleteAll() {
	m.mu.Lock()
	all := m.timers
	m.timers = make(map[string]*DmTimer)
	m.mu.Unlock()
	for _, t := range all {
		t.Stop(0)
	}
}

func (m *TimerMap) IsArmed(phase string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[phase]
	return ok
}

// Armed 返回已启动的阶段名，按字母序
func (m *TimerMap) Armed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	phases := make([]string, 0, len(m.timers))
	for p := range m.timers {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	return phases
}
