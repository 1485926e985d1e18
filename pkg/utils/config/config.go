package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
	"gopkg.in/yaml.v2"
)

var (
	APPNAME    string = "devicemanager"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

type Config struct {
	DeviceType string
	DeviceName string
	UDID       string
	Interface  string
	Softbus    struct {
		Port        int
		DialTimeout int // 秒
		DialRetries int
		AcceptRate  int // 每秒允许接入的会话数
	}
	Discovery struct {
		Port     int
		Group    string
		Interval int // 秒
		TTL      int // 秒
		Peers    []string
	}
	DeviceAuth struct {
		DataDir  string
		OwnerPkg string
	}
	Auth struct {
		AuthenticateTimeout  int
		NegotiateTimeout     int
		ConfirmTimeout       int
		InputTimeout         int
		AddMemberTimeout     int
		WaitNegotiateTimeout int
		WaitRequestTimeout   int
		MaxPinRetries        int
		SliceSize            int
	}
	BusCenter struct {
		OfflineTimeout int
	}
	Logger struct {
		Dir      string
		Level    string
		Rotate   bool
		RotateBy string // time | size
	}
}

// Default 返回填充了默认值的配置
func Default() *Config {
	conf := new(Config)
	conf.applyDefaults()
	return conf
}

// Load 读取指定路径的配置文件，未配置的项使用默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	conf := new(Config)
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	conf.applyDefaults()
	return conf, nil
}

// Parse 依次在可执行文件目录和/etc下查找配置，失败时panic
func Parse() *Config {
	ex, e := os.Executable()
	if e != nil {
		panic(e)
	}

	cfile := filepath.Dir(ex) + "/" + APPNAME + ".yml"
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = "/etc/" + APPNAME + ".yml"
	}

	conf, err := Load(cfile)
	if err != nil {
		panic(err)
	}
	if conf.Logger.Rotate && len(conf.Logger.Dir) == 0 {
		conf.Logger.Dir = filepath.Dir(ex)
	}
	conf.SetupLogger()
	return conf
}

// SetupLogger 按Logger配置段替换默认日志器并设置级别
func (c *Config) SetupLogger() {
	defer log.Sync()
	if c.Logger.Rotate {
		dir := c.Logger.Dir
		if dir == "" {
			dir = "."
		}
		file := dir + "/" + APPNAME + ".log"
		var l *log.Logger
		if c.Logger.RotateBy == "size" {
			l = log.New(log.NewProductionRotateBySize(file), log.InfoLevel)
		} else {
			l = log.New(log.NewProductionRotateByTime(file), log.InfoLevel)
		}
		log.ReplaceDefault(l)
	}
	log.SetLevel(log.ParseLevel(c.Logger.Level))
}

func (c *Config) applyDefaults() {
	if c.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.DeviceName = host
		} else {
			c.DeviceName = APPNAME
		}
	}
	if c.DeviceType == "" {
		c.DeviceType = "PC"
	}
	if c.UDID == "" {
		c.UDID = uuid.NewString()
	}
	if c.Softbus.DialTimeout <= 0 {
		c.Softbus.DialTimeout = 5
	}
	if c.Softbus.DialRetries <= 0 {
		c.Softbus.DialRetries = 3
	}
	if c.Softbus.AcceptRate <= 0 {
		c.Softbus.AcceptRate = 20
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = 5684
	}
	if c.Discovery.Group == "" {
		c.Discovery.Group = "224.0.0.251"
	}
	if c.Discovery.Interval <= 0 {
		c.Discovery.Interval = 5
	}
	if c.Discovery.TTL <= 0 {
		c.Discovery.TTL = 30
	}
	if c.DeviceAuth.OwnerPkg == "" {
		c.DeviceAuth.OwnerPkg = "ohos.distributedhardware.devicemanager"
	}
	a := &c.Auth
	setDefault(&a.AuthenticateTimeout, 120)
	setDefault(&a.NegotiateTimeout, 10)
	setDefault(&a.ConfirmTimeout, 60)
	setDefault(&a.InputTimeout, 60)
	setDefault(&a.AddMemberTimeout, 10)
	setDefault(&a.WaitNegotiateTimeout, 10)
	setDefault(&a.WaitRequestTimeout, 10)
	setDefault(&a.MaxPinRetries, 3)
	setDefault(&a.SliceSize, 45*1024)
	setDefault(&c.BusCenter.OfflineTimeout, 300)
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
