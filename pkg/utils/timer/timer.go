package timer

import (
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// NamePrefix 所有设备管理定时器名称的固定前缀
const NamePrefix = "deviceManagerTimer:"

var (
	ErrTimerBusy     = errors.New("timer is running")
	ErrTimerCreate   = errors.New("timer create failed")
	ErrTimerFinished = errors.New("timer already used")
	ErrTimerExists   = errors.New("timer phase already armed")
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateFired
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateFired:
		return "FIRED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// TimeoutFunc 超时回调，name为带前缀的完整定时器名
type TimeoutFunc func(name string, userData interface{})

// DmTimer 单次命名定时器。Start只能调用一次，超时回调至多执行一次
type DmTimer struct {
	mu       sync.Mutex
	name     string
	state    State
	t        *time.Timer
	onExpiry TimeoutFunc
	userData interface{}
}

func NewDmTimer(name string) *DmTimer {
	return &DmTimer{name: NamePrefix + name}
}

func (d *DmTimer) Name() string { return d.name }

func (d *DmTimer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start 启动定时器
func (d *DmTimer) Start(timeout time.Duration, onExpiry TimeoutFunc, userData interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateRunning:
		return ErrTimerBusy
	case StateFired, StateStopped:
		return ErrTimerFinished
	}
	if timeout <= 0 || onExpiry == nil {
		return ErrTimerCreate
	}

	d.onExpiry = onExpiry
	d.userData = userData
	d.state = StateRunning
	d.t = time.AfterFunc(timeout, d.fire)
	log.Debugf("[TIMER] 启动定时器 %s, 超时 %v", d.name, timeout)
	return nil
}

func (d *DmTimer) fire() {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return
	}
	d.state = StateFired
	cb, data := d.onExpiry, d.userData
	d.onExpiry, d.userData, d.t = nil, nil, nil
	d.mu.Unlock()

	log.Infof("[TIMER] 定时器超时: %s", d.name)
	cb(d.name, data)
}

// Stop 停止定时器，对未运行的定时器调用无副作用
func (d *DmTimer) Stop(code int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return
	}
	d.t.Stop()
	d.state = StateStopped
	d.onExpiry, d.userData, d.t = nil, nil, nil
	log.Debugf("[TIMER] 停止定时器 %s, code=%d", d.name, code)
}

// IsDmTimer 判断名称是否属于设备管理定时器
func IsDmTimer(name string) bool {
	return strings.HasPrefix(name, NamePrefix)
}

// PhaseName 去掉名称前缀
func PhaseName(name string) string {
	return strings.TrimPrefix(name, NamePrefix)
}
