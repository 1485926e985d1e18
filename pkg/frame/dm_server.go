package frame

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/junbin-yang/devicemanager-go/pkg/authentication"
	"github.com/junbin-yang/devicemanager-go/pkg/bus_center"
	"github.com/junbin-yang/devicemanager-go/pkg/device_auth"
	"github.com/junbin-yang/devicemanager-go/pkg/discovery"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/config"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

var (
	gIsInit  bool
	gMutex   sync.Mutex
	gService *DeviceManagerService
)

// DeviceManagerService 运行中的设备管理服务，持有各模块实例
type DeviceManagerService struct {
	cfg       *config.Config
	cache     *discovery.DeviceCache
	sessions  *softbus.SessionManager
	softbus   *softbus.SoftbusConnector
	disc      *discovery.Service
	store     device_auth.GroupStore
	connector *device_auth.HiChainConnector
	busCenter *bus_center.BusCenter
	auth      *authentication.AuthManager
	authPort  int
}

func (s *DeviceManagerService) AuthManager() *authentication.AuthManager { return s.auth }
func (s *DeviceManagerService) BusCenter() *bus_center.BusCenter         { return s.busCenter }
func (s *DeviceManagerService) Connector() *device_auth.HiChainConnector {
	return s.connector
}
func (s *DeviceManagerService) DeviceCache() *discovery.DeviceCache { return s.cache }
func (s *DeviceManagerService) SoftbusConnector() *softbus.SoftbusConnector {
	return s.softbus
}
func (s *DeviceManagerService) Discovery() *discovery.Service { return s.disc }
func (s *DeviceManagerService) LocalDeviceId() string         { return s.cfg.UDID }
func (s *DeviceManagerService) AuthPort() int                 { return s.authPort }
func (s *DeviceManagerService) Config() *config.Config        { return s.cfg }

// InitDeviceManagerServer 按依赖顺序初始化设备管理服务，任一步失败时回滚已启动的模块
func InitDeviceManagerServer(cfg *config.Config, ui authentication.AuthUi, listener authentication.DeviceManagerListener) error {
	gMutex.Lock()
	defer gMutex.Unlock()

	if gIsInit {
		return nil
	}
	if cfg == nil {
		cfg = config.Default()
	}

	log.Infof("[FRAME] 正在初始化设备管理服务: udid=%s, name=%s", cfg.UDID, cfg.DeviceName)
	s := &DeviceManagerService{cfg: cfg}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Softbus", s.softbusInit},
		{"Discovery", s.discInit},
		{"DeviceAuth", s.deviceAuthInit},
		{"BusCenter", s.busCenterInit},
		{"Authentication", func() error { return s.authInit(ui, listener) }},
		{"DiscoveryStart", s.discStart},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			log.Errorf("[FRAME] %s初始化失败: %v", step.name, err)
			s.deinit()
			return err
		}
	}

	gService = s
	gIsInit = true
	log.Infof("[FRAME] 设备管理服务初始化成功，认证端口 %d", s.authPort)
	return nil
}

// GetServerIsInit 获取服务器初始化状态
func GetServerIsInit() bool {
	gMutex.Lock()
	defer gMutex.Unlock()
	return gIsInit
}

// GetDeviceManagerService 未初始化时返回nil
func GetDeviceManagerService() *DeviceManagerService {
	gMutex.Lock()
	defer gMutex.Unlock()
	return gService
}

// DeinitDeviceManagerServer 反初始化设备管理服务
func DeinitDeviceManagerServer() {
	gMutex.Lock()
	defer gMutex.Unlock()

	if !gIsInit {
		return
	}

	log.Info("[FRAME] 正在关闭设备管理服务...")
	gService.deinit()
	gService = nil
	gIsInit = false
	log.Info("[FRAME] 设备管理服务已关闭")
}

// deinit 逆序关闭已创建的模块，未创建的跳过
func (s *DeviceManagerService) deinit() {
	if s.disc != nil {
		if err := s.disc.Stop(); err != nil && err != discovery.ErrNotStarted {
			log.Warnf("[FRAME] 停止发现服务失败: %v", err)
		}
	}
	if s.auth != nil {
		s.auth.Close()
	}
	if s.busCenter != nil {
		if s.softbus != nil {
			s.softbus.UnRegisterSoftbusStateCallback(s.cfg.DeviceAuth.OwnerPkg)
		}
		s.busCenter.Stop()
	}
	if s.connector != nil {
		s.connector.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warnf("[FRAME] 关闭组存储失败: %v", err)
		}
	}
	if s.sessions != nil {
		s.sessions.Stop()
	}
}

func (s *DeviceManagerService) softbusInit() error {
	s.cache = discovery.NewDeviceCache(config.Seconds(s.cfg.Discovery.TTL))
	s.sessions = softbus.NewSessionManager(softbus.ManagerOption{
		LocalDeviceID: s.cfg.UDID,
		Port:          s.cfg.Softbus.Port,
		DialTimeout:   config.Seconds(s.cfg.Softbus.DialTimeout),
		DialRetries:   s.cfg.Softbus.DialRetries,
		AcceptRate:    s.cfg.Softbus.AcceptRate,
	}, s.cache)
	port, err := s.sessions.Start()
	if err != nil {
		s.sessions = nil
		return fmt.Errorf("启动会话监听失败: %w", err)
	}
	s.authPort = port
	s.softbus = softbus.NewSoftbusConnector(s.sessions, s.cache)
	log.Infof("[FRAME] 软总线已初始化，端口 %d", port)
	return nil
}

func (s *DeviceManagerService) localDeviceType() discovery.DeviceType {
	t, ok := discovery.GetDeviceTypeByName(s.cfg.DeviceType)
	if !ok {
		return discovery.DeviceTypeUnknown
	}
	return t
}

func (s *DeviceManagerService) discInit() error {
	s.disc = discovery.NewService(discovery.ServiceOption{
		Port:      s.cfg.Discovery.Port,
		Group:     s.cfg.Discovery.Group,
		Interface: s.cfg.Interface,
		Interval:  config.Seconds(s.cfg.Discovery.Interval),
		Peers:     s.cfg.Discovery.Peers,
	}, func() *discovery.DeviceInfo {
		return &discovery.DeviceInfo{
			DeviceId:   s.cfg.UDID,
			DeviceName: s.cfg.DeviceName,
			DeviceType: s.localDeviceType(),
			AuthPort:   s.authPort,
		}
	}, s.cache)
	return nil
}

func (s *DeviceManagerService) discStart() error {
	if err := s.disc.Start(); err != nil {
		return fmt.Errorf("发现服务启动失败: %w", err)
	}
	return nil
}

func (s *DeviceManagerService) deviceAuthInit() error {
	if dir := s.cfg.DeviceAuth.DataDir; dir != "" {
		store, err := device_auth.NewBoltGroupStore(filepath.Join(dir, device_auth.GroupDBName))
		if err != nil {
			return fmt.Errorf("打开组数据库失败: %w", err)
		}
		s.store = store
	} else {
		log.Warn("[FRAME] 未配置数据目录，可信组仅保存在内存中")
		s.store = device_auth.NewMemoryGroupStore()
	}

	s.connector = device_auth.NewHiChainConnector(device_auth.ConnectorOption{
		LocalDeviceId: s.cfg.UDID,
		OwnerPkg:      s.cfg.DeviceAuth.OwnerPkg,
		Store:         s.store,
		Transport:     s.sessions,
	})
	if err := s.connector.Start(); err != nil {
		s.connector = nil
		return err
	}
	log.Info("[FRAME] DeviceAuth服务已初始化")
	return nil
}

func (s *DeviceManagerService) busCenterInit() error {
	bc := bus_center.NewBusCenter(config.Seconds(s.cfg.BusCenter.OfflineTimeout))
	if err := bc.Start(); err != nil {
		return fmt.Errorf("Bus Center启动失败: %w", err)
	}
	s.busCenter = bc

	s.softbus.RegisterSoftbusStateCallback(s.cfg.DeviceAuth.OwnerPkg, bc)
	bc.SetOfflineHandler(func(deviceId string) {
		if err := s.connector.DeleteTimedOutGroup(deviceId); err != nil {
			log.Warnf("[FRAME] 清理离线设备 %s 的可信组失败: %v", deviceId, err)
		}
	})
	bc.SetLocalDeviceInfo(&bus_center.LocalDeviceInfo{
		UDID:       s.cfg.UDID,
		DeviceName: s.cfg.DeviceName,
		DeviceType: s.cfg.DeviceType,
		AuthPort:   s.authPort,
	})
	log.Info("[FRAME] Bus Center已初始化")
	return nil
}

func (s *DeviceManagerService) authInit(ui authentication.AuthUi, listener authentication.DeviceManagerListener) error {
	a := s.cfg.Auth
	auth, err := authentication.NewAuthManager(authentication.AuthManagerOption{
		Softbus:         s.softbus,
		HiChain:         s.connector,
		Network:         s.busCenter,
		Listener:        listener,
		UI:              ui,
		LocalDeviceName: s.cfg.DeviceName,
		LocalDeviceType: int32(s.localDeviceType()),
		Timeouts: authentication.Timeouts{
			Authenticate:  config.Seconds(a.AuthenticateTimeout),
			Negotiate:     config.Seconds(a.NegotiateTimeout),
			Confirm:       config.Seconds(a.ConfirmTimeout),
			Input:         config.Seconds(a.InputTimeout),
			AddMember:     config.Seconds(a.AddMemberTimeout),
			WaitNegotiate: config.Seconds(a.WaitNegotiateTimeout),
			WaitRequest:   config.Seconds(a.WaitRequestTimeout),
		},
		SliceSize:     a.SliceSize,
		MaxPinRetries: a.MaxPinRetries,
	})
	if err != nil {
		return err
	}
	s.auth = auth
	log.Info("[FRAME] 认证管理器已初始化")
	return nil
}
