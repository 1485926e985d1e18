package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/junbin-yang/devicemanager-go/pkg/authentication"
	"github.com/junbin-yang/devicemanager-go/pkg/device_auth"
	"github.com/junbin-yang/devicemanager-go/pkg/discovery"
	"github.com/junbin-yang/devicemanager-go/pkg/frame"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/config"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// hostPkgName 本工具作为发起认证的应用包名
const hostPkgName = "com.devicemanager.cli"

// CLI 命令行工具，同时充当授权确认/PIN界面和认证结果监听者
type CLI struct {
	cfg *config.Config
	rl  *readline.Instance
	svc *frame.DeviceManagerService

	mu       sync.Mutex
	pinToken string // 最近一次InputPin给出的令牌
	confirm  bool   // 正在等待allow/deny
}

func NewCLI(cfg *config.Config) (*CLI, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dm> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("devices"),
			readline.PcItem("auth"),
			readline.PcItem("unauth"),
			readline.PcItem("allow"),
			readline.PcItem("deny"),
			readline.PcItem("pin"),
			readline.PcItem("cancel-input"),
			readline.PcItem("cancel-display"),
			readline.PcItem("groups"),
			readline.PcItem("nodes"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &CLI{cfg: cfg, rl: rl}, nil
}

func (c *CLI) Attach(svc *frame.DeviceManagerService) { c.svc = svc }

func (c *CLI) Stdout() io.Writer { return c.rl.Stdout() }
func (c *CLI) Stderr() io.Writer { return c.rl.Stderr() }

func (c *CLI) Close() {
	c.rl.Close()
}

func (c *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.rl.Stdout(), format, args...)
}

// ============================================================================
// AuthUi
// ============================================================================

func (c *CLI) ShowConfirmDialog(params string) {
	c.mu.Lock()
	c.confirm = true
	c.mu.Unlock()

	var p struct {
		HostPkgName string `json:"hostPkgName"`
		AppName     string `json:"appName"`
		DeviceId    string `json:"deviceId"`
		DeviceName  string `json:"deviceName"`
	}
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		c.printf("\n收到认证请求: %s\n", params)
	} else {
		c.printf("\n=== 收到认证请求 ===\n")
		c.printf("  设备:   %s (%s)\n", p.DeviceName, p.DeviceId)
		c.printf("  应用:   %s %s\n", p.HostPkgName, p.AppName)
	}
	c.printf("输入 allow 同意，deny 拒绝\n")
}

func (c *CLI) ShowPin(code int32) {
	c.printf("\n=== 请在对端设备输入PIN码: %06d ===\n", code)
	c.printf("输入 cancel-display 取消\n")
}

func (c *CLI) InputPin(token string) {
	c.mu.Lock()
	c.pinToken = token
	c.mu.Unlock()
	c.printf("\n对端已同意，请输入对端显示的PIN码: pin <PIN码>\n")
}

func (c *CLI) ClosePage(pageId int32) {
	c.mu.Lock()
	c.confirm = false
	c.pinToken = ""
	c.mu.Unlock()
	log.Debugf("[CLI] 关闭页面 %d", pageId)
}

// ============================================================================
// DeviceManagerListener
// ============================================================================

func (c *CLI) OnAuthResult(pkgName, deviceId, token string, state authentication.AuthStateType, reason int32) {
	if reason == 0 {
		c.printf("\n✓ 认证成功: device=%s, pkg=%s\n", deviceId, pkgName)
		return
	}
	c.printf("\n✗ 认证失败: device=%s, state=%v, reason=%d (%v)\n",
		deviceId, state, reason, authentication.ReasonError(reason))
}

func (c *CLI) OnVerifyAuthResult(pkgName, deviceId string, result int32, flag int32) {
	if result == 0 {
		c.printf("PIN码校验通过\n")
		return
	}
	c.printf("PIN码校验失败 (reason=%d)\n", result)
}

// ============================================================================
// 命令
// ============================================================================

func (c *CLI) listDevices() {
	devices := c.svc.DeviceCache().List()
	c.printf("\n=== 已发现的设备 ===\n")
	if len(devices) == 0 {
		c.printf("（无）\n")
		return
	}
	auth := c.svc.Connector()
	local := c.svc.LocalDeviceId()
	for _, d := range devices {
		typeName, ok := discovery.GetDeviceNameByType(d.DeviceType)
		if !ok {
			typeName = "UNKNOWN"
		}
		status := "未认证"
		if auth.IsDevicesInGroup(local, d.DeviceId) {
			status = "✓ 已认证"
		}
		c.printf("  [%s]\n", d.DeviceId)
		c.printf("    名称:     %s\n", d.DeviceName)
		c.printf("    地址:     %s\n", d.ConnectAddr())
		c.printf("    类型:     %s\n", typeName)
		c.printf("    状态:     %s\n", status)
		c.printf("    最近发现: %s\n", d.LastSeen.Format(time.TimeOnly))
	}
}

func (c *CLI) authDevice(deviceId, targetPkg string) error {
	if targetPkg == "" {
		targetPkg = hostPkgName
	}
	extra, err := json.Marshal(map[string]string{
		"targetPkgName":  targetPkg,
		"appName":        "dm-cli",
		"appDescription": "设备管理命令行工具",
	})
	if err != nil {
		return err
	}
	return c.svc.AuthManager().AuthenticateDevice(hostPkgName, authentication.AuthTypePin, deviceId, string(extra))
}

func (c *CLI) userOperation(action int32) error {
	if action == authentication.UserOperationAllow || action == authentication.UserOperationCancel {
		c.mu.Lock()
		pending := c.confirm
		c.confirm = false
		c.mu.Unlock()
		if !pending {
			return errors.New("当前没有待确认的认证请求")
		}
	}
	return c.svc.AuthManager().SetUserOperation(action)
}

func (c *CLI) inputPin(arg string) error {
	code, err := strconv.ParseInt(arg, 10, 32)
	if err != nil {
		return fmt.Errorf("无效的PIN码: %s", arg)
	}
	c.mu.Lock()
	token := c.pinToken
	c.mu.Unlock()
	param, err := json.Marshal(map[string]interface{}{
		"PIN_CODE":  int32(code),
		"PIN_TOKEN": token,
	})
	if err != nil {
		return err
	}
	return c.svc.AuthManager().VerifyAuthentication(string(param))
}

func (c *CLI) listGroups() error {
	groups, err := c.svc.Connector().GetGroupInfo(&device_auth.GroupQuery{GroupType: device_auth.AllGroup})
	if err != nil {
		return err
	}
	c.printf("\n=== 可信组 ===\n")
	if len(groups) == 0 {
		c.printf("（无）\n")
		return nil
	}
	for _, g := range groups {
		c.printf("  %s\n", g.GroupId)
		c.printf("    名称:   %s\n", g.GroupName)
		c.printf("    拥有者: %s\n", g.GroupOwner)
		c.printf("    类型:   %d\n", g.GroupType)
	}
	return nil
}

func (c *CLI) listNodes() {
	nodes := c.svc.BusCenter().GetAllNodes()
	c.printf("\n=== 组网节点 ===\n")
	if len(nodes) == 0 {
		c.printf("（无）\n")
		return
	}
	for _, n := range nodes {
		c.printf("  %s\n", n.NetworkID)
		c.printf("    设备ID: %s\n", n.DeviceID)
		c.printf("    名称:   %s\n", n.DeviceName)
		c.printf("    状态:   %v\n", n.Status)
	}
}

// InteractiveMode 读取并执行命令，quit或EOF时返回
func (c *CLI) InteractiveMode() {
	c.printf("\n===========================================\n")
	c.printf("    设备管理命令行工具 (交互模式)\n")
	c.printf("    设备ID:   %s\n", c.svc.LocalDeviceId())
	c.printf("    设备名:   %s\n", c.cfg.DeviceName)
	c.printf("    认证端口: %d\n", c.svc.AuthPort())
	c.printf("===========================================\n")
	c.printf("\n输入 'help' 查看可用命令\n")

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if quit := c.execute(parts[0], parts[1:]); quit {
			c.printf("再见！\n")
			return
		}
	}
}

// execute 执行单条命令，返回true表示退出
func (c *CLI) execute(cmd string, args []string) bool {
	var err error
	switch strings.ToLower(cmd) {
	case "help", "h", "?":
		c.printHelp()

	case "devices", "list":
		c.listDevices()

	case "auth":
		if len(args) < 1 {
			c.printf("用法: auth <设备ID> [目标包名]\n")
			return false
		}
		target := ""
		if len(args) > 1 {
			target = args[1]
		}
		if err = c.authDevice(args[0], target); err == nil {
			c.printf("已发起认证，等待对端确认...\n")
		}

	case "unauth":
		if len(args) < 1 {
			c.printf("用法: unauth <设备ID>\n")
			return false
		}
		if err = c.svc.AuthManager().UnAuthenticateDevice(hostPkgName, args[0]); err == nil {
			c.printf("已解除与 %s 的信任关系\n", args[0])
		}

	case "allow":
		err = c.userOperation(authentication.UserOperationAllow)

	case "deny":
		err = c.userOperation(authentication.UserOperationCancel)

	case "pin":
		if len(args) < 1 {
			c.printf("用法: pin <PIN码>\n")
			return false
		}
		err = c.inputPin(args[0])

	case "cancel-input":
		err = c.userOperation(authentication.UserOperationCancelPinInput)

	case "cancel-display":
		err = c.userOperation(authentication.UserOperationCancelPinDisplay)

	case "groups":
		err = c.listGroups()

	case "nodes":
		c.listNodes()

	case "quit", "exit", "q":
		return true

	default:
		c.printf("未知命令: %s (输入 'help' 查看帮助)\n", cmd)
	}
	if err != nil {
		c.printf("错误: %v\n", err)
	}
	return false
}

// printHelp 打印帮助信息
func (c *CLI) printHelp() {
	c.printf("\n可用命令:\n")
	c.printf("  help, h                     - 显示此帮助\n")
	c.printf("  devices                     - 列出已发现的设备\n")
	c.printf("  auth <设备ID> [目标包名]    - 向设备发起PIN码认证\n")
	c.printf("  unauth <设备ID>             - 解除与设备的信任关系\n")
	c.printf("  allow / deny                - 同意或拒绝收到的认证请求\n")
	c.printf("  pin <PIN码>                 - 输入对端显示的PIN码\n")
	c.printf("  cancel-input                - 取消PIN码输入\n")
	c.printf("  cancel-display              - 取消PIN码显示\n")
	c.printf("  groups                      - 列出本机可信组\n")
	c.printf("  nodes                       - 列出已组网的节点\n")
	c.printf("  quit, exit, q               - 退出程序\n")
	c.printf("\n典型流程:\n")
	c.printf("  1. devices                  - 查看已发现的设备\n")
	c.printf("  2. auth <设备ID>            - 发起认证\n")
	c.printf("  3. 对端 allow 后显示PIN码\n")
	c.printf("  4. pin <PIN码>              - 输入PIN码完成认证\n")
	c.printf("\n")
}
