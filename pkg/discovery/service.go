package discovery

import (
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"
)

const (
	DefaultPort     = 5684
	DefaultGroup    = "224.0.0.251"
	DefaultInterval = 5 * time.Second
	MaxPDUSize      = 1024
	multicastTTL    = 64
)

var (
	ErrServiceStarted = errors.New("discovery service already started")
	ErrNotStarted     = errors.New("discovery service not started")
)

// ServiceOption 发现服务配置
type ServiceOption struct {
	Port      int
	Group     string
	Interface string
	Interval  time.Duration
	Peers     []string // 额外的单播目标 ip:port
}

// LocalInfoProvider 返回本机当前要广播的设备信息
type LocalInfoProvider func() *DeviceInfo

// Service 周期广播本机信息，并把收到的对端信息写入DeviceCache
type Service struct {
	opt     ServiceOption
	local   LocalInfoProvider
	cache   *DeviceCache
	limiter *rate.Limiter
	mu      sync.Mutex
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	group   *net.UDPAddr
	peers   []*net.UDPAddr
	tomb    *tomb.Tomb
}

func NewService(opt ServiceOption, local LocalInfoProvider, cache *DeviceCache) *Service {
	if opt.Group == "" {
		opt.Group = DefaultGroup
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	return &Service{
		opt:     opt,
		local:   local,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
}

// Start 绑定UDP端口并启动收发循环。加入组播失败时只告警，单播对端仍然可用
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tomb != nil {
		return ErrServiceStarted
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.opt.Port})
	if err != nil {
		return err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		log.Warnf("[DISCOVERY] 设置组播TTL失败: %v", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		log.Warnf("[DISCOVERY] 禁用组播回环失败: %v", err)
	}

	port := s.opt.Port
	if port == 0 {
		port = DefaultPort
	}
	s.group = &net.UDPAddr{IP: net.ParseIP(s.opt.Group), Port: port}
	if err := s.joinGroup(pc); err != nil {
		log.Warnf("[DISCOVERY] 加入组播组%s失败: %v", s.opt.Group, err)
		s.group = nil
	}

	s.peers = s.peers[:0]
	for _, p := range s.opt.Peers {
		addr, err := net.ResolveUDPAddr("udp4", p)
		if err != nil {
			log.Warnf("[DISCOVERY] 忽略无效的单播对端%s: %v", p, err)
			continue
		}
		s.peers = append(s.peers, addr)
	}

	s.conn, s.pc = conn, pc
	t := new(tomb.Tomb)
	s.tomb = t
	t.Go(func() error { return s.recvLoop(t, conn) })
	t.Go(func() error { return s.announceLoop(t) })
	log.Infof("[DISCOVERY] 发现服务启动，端口 %d", s.localPortLocked())
	return nil
}

func (s *Service) joinGroup(pc *ipv4.PacketConn) error {
	if s.group == nil || s.group.IP == nil {
		return errors.New("invalid group address")
	}
	var ifi *net.Interface
	if s.opt.Interface != "" {
		i, err := net.InterfaceByName(s.opt.Interface)
		if err != nil {
			return err
		}
		ifi = i
		if err := pc.SetMulticastInterface(ifi); err != nil {
			return err
		}
	}
	return pc.JoinGroup(ifi, &net.UDPAddr{IP: s.group.IP})
}

// Stop 停止服务并等待goroutine退出
func (s *Service) Stop() error {
	s.mu.Lock()
	t, conn := s.tomb, s.conn
	s.tomb, s.conn, s.pc = nil, nil, nil
	s.mu.Unlock()
	if t == nil {
		return ErrNotStarted
	}
	t.Kill(nil)
	conn.Close()
	err := t.Wait()
	log.Info("[DISCOVERY] 发现服务已停止")
	return err
}

// LocalPort 返回实际绑定的UDP端口
func (s *Service) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPortLocked()
}

func (s *Service) localPortLocked() int {
	if s.conn == nil {
		return 0
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Announce 立即向组播组和所有单播对端发送一次本机信息
func (s *Service) Announce() error {
	s.mu.Lock()
	conn, group, peers := s.conn, s.group, s.peers
	s.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	data, err := buildPayload(s.local(), modeAnnounce)
	if err != nil {
		return err
	}
	if group != nil {
		if _, err := conn.WriteToUDP(data, group); err != nil {
			log.Debugf("[DISCOVERY] 组播发送失败: %v", err)
		}
	}
	for _, p := range peers {
		if _, err := conn.WriteToUDP(data, p); err != nil {
			log.Debugf("[DISCOVERY] 单播发送到%s失败: %v", p, err)
		}
	}
	return nil
}

func (s *Service) announceLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(s.opt.Interval)
	defer ticker.Stop()

	_ = s.Announce()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			_ = s.Announce()
			s.cache.Sweep()
		}
	}
}

func (s *Service) recvLoop(t *tomb.Tomb, conn *net.UDPConn) error {
	buf := make([]byte, MaxPDUSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("[DISCOVERY] 接收失败: %v", err)
			continue
		}
		s.handlePacket(conn, buf[:n], src)
	}
}

func (s *Service) handlePacket(conn *net.UDPConn, data []byte, src *net.UDPAddr) {
	info, mode, err := parsePayload(data)
	if err != nil {
		log.Debugf("[DISCOVERY] 忽略来自%s的无效报文: %v", src, err)
		return
	}
	local := s.local()
	if info.DeviceId == local.DeviceId {
		return
	}
	if info.IP == "" {
		info.IP = src.IP.String()
	}
	s.cache.Update(*info)

	if mode == modeAnnounce && s.limiter.Allow() {
		reply, err := buildPayload(local, modeReply)
		if err == nil {
			_, _ = conn.WriteToUDP(reply, src)
		}
	}
}
