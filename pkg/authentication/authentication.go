package authentication

// IAuthentication 可插拔的认证方式，按认证类型注册。
// 每个认证会话新建一个实例，重试计数不跨会话
type IAuthentication interface {
	// ShowAuthInfo 接收方展示认证信息（例如PIN码）
	ShowAuthInfo(authToken string, ui AuthUi) error
	// StartAuth 发起方开始收集用户输入
	StartAuth(authToken string, ui AuthUi) error
	// VerifyAuthentication 校验用户输入，成功时返回加入可信组使用的PIN。
	// 返回ErrAuthInputFailed表示可以重试，其他错误结束会话
	VerifyAuthentication(authToken, authParam string) (int32, error)
	CloseAuthInfo(pageId int32, ui AuthUi) error
}

// AuthenticationFactory 创建认证方式实例，maxRetries为允许的错误输入次数
type AuthenticationFactory func(maxRetries int) IAuthentication
