package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/junbin-yang/devicemanager-go/pkg/frame"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/config"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
	flag "github.com/spf13/pflag"
)

type options struct {
	configFile string
	name       string
	udid       string
	port       int
	dataDir    string
	logLevel   string
}

func parseFlags() *options {
	opts := new(options)
	flag.StringVarP(&opts.configFile, "config", "c", "", "配置文件路径 (默认使用内置默认值)")
	flag.StringVar(&opts.name, "name", "", "本机设备名")
	flag.StringVar(&opts.udid, "udid", "", "本机设备ID (默认随机生成)")
	flag.IntVar(&opts.port, "port", -1, "认证会话监听端口，0为随机端口")
	flag.StringVar(&opts.dataDir, "data-dir", "", "可信组数据库目录，为空时只保存在内存")
	flag.StringVar(&opts.logLevel, "log-level", "", "日志级别: debug, info, warn, error")
	flag.Parse()
	return opts
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		c, err := config.Load(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if opts.name != "" {
		cfg.DeviceName = opts.name
	}
	if opts.udid != "" {
		cfg.UDID = opts.udid
	}
	if opts.port >= 0 {
		cfg.Softbus.Port = opts.port
	}
	if opts.dataDir != "" {
		cfg.DeviceAuth.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.Logger.Level = opts.logLevel
	}
	return cfg, nil
}

func main() {
	opts := parseFlags()
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cli, err := NewCLI(cfg)
	if err != nil {
		fmt.Printf("初始化失败: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Logger.Rotate {
		// 日志经readline输出，避免打乱提示符
		log.ReplaceDefault(log.New(cli.Stderr(), log.InfoLevel))
	}
	cfg.SetupLogger()

	if err := frame.InitDeviceManagerServer(cfg, cli, cli); err != nil {
		fmt.Printf("初始化失败: %v\n", err)
		cli.Close()
		os.Exit(1)
	}
	cli.Attach(frame.GetDeviceManagerService())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		frame.DeinitDeviceManagerServer()
		cli.Close()
		os.Exit(0)
	}()

	cli.InteractiveMode()
	frame.DeinitDeviceManagerServer()
	cli.Close()
}
