package authentication

import (
	"encoding/json"
	"fmt"

	dmctx "github.com/junbin-yang/devicemanager-go/pkg/context"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// DefaultMaxPinRetries 默认容忍的PIN错误输入次数
const DefaultMaxPinRetries = 3

// PinAuth PIN码认证
type PinAuth struct {
	maxRetries int
	failed     int
}

func NewPinAuth(maxRetries int) IAuthentication {
	if maxRetries < 0 {
		maxRetries = DefaultMaxPinRetries
	}
	return &PinAuth{maxRetries: maxRetries}
}

// pinParam VerifyAuthentication的参数，PIN_TOKEN必须与InputPin给出的令牌一致
type pinParam struct {
	PinCode  *int32 `json:"PIN_CODE"`
	PinToken string `json:"PIN_TOKEN"`
}

func (p *PinAuth) ShowAuthInfo(authToken string, ui AuthUi) error {
	token, err := dmctx.ParseAuthToken(authToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	ui.ShowPin(token.PinCode)
	return nil
}

func (p *PinAuth) StartAuth(authToken string, ui AuthUi) error {
	token, err := dmctx.ParseAuthToken(authToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	ui.InputPin(token.PinToken)
	return nil
}

func (p *PinAuth) VerifyAuthentication(authToken, authParam string) (int32, error) {
	token, err := dmctx.ParseAuthToken(authToken)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var param pinParam
	if err := json.Unmarshal([]byte(authParam), &param); err == nil && param.PinCode != nil {
		if param.PinToken == token.PinToken && *param.PinCode == token.PinCode {
			p.failed = 0
			return *param.PinCode, nil
		}
	}
	if p.failed < p.maxRetries {
		p.failed++
		log.Warnf("[DM_AUTH] PIN校验失败，第 %d 次", p.failed)
		return 0, ErrAuthInputFailed
	}
	log.Errorf("[DM_AUTH] PIN错误次数超过 %d 次", p.maxRetries)
	return 0, fmt.Errorf("%w: pin retries exhausted", ErrPeerRejected)
}

func (p *PinAuth) CloseAuthInfo(pageId int32, ui AuthUi) error {
	ui.ClosePage(pageId)
	return nil
}

// RetriesLeft 剩余可容忍的错误次数
func (p *PinAuth) RetriesLeft() int {
	return p.maxRetries - p.failed
}
