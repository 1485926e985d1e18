package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// RandomInt 返回[min, max]区间内的均匀随机数
func RandomInt(min, max int64) (int64, error) {
	if max < min {
		return 0, fmt.Errorf("invalid range [%d, %d]", min, max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max-min+1))
	if err != nil {
		return 0, err
	}
	return n.Int64() + min, nil
}

// GeneratePinCode 生成6位数字PIN码，首位不为0
func GeneratePinCode() (int32, error) {
	n, err := RandomInt(100000, 999999)
	return int32(n), err
}

// GenerateToken 生成8位数字会话令牌
func GenerateToken() (string, error) {
	n, err := RandomInt(10000000, 99999999)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n), nil
}

// GenerateRequestID 生成组操作使用的长随机请求ID
func GenerateRequestID() (int64, error) {
	return RandomInt(1, 1<<62)
}

// Sha256Hex 计算大写十六进制的SHA256摘要
func Sha256Hex(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}
