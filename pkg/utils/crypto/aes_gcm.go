package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	GcmNonceLen = 12                      // IV长度
	GcmTagLen   = 16                      // 认证标签长度
	OverheadLen = GcmNonceLen + GcmTagLen // IV + TAG
)

// GenerateRandomBytes 生成指定长度的随机字节
func GenerateRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// EncryptAESGCM 加密plaintext，输出格式为 IV(12字节) + 密文 + 标签(16字节)
// aad 为附加认证数据，可以为nil
func EncryptAESGCM(key, plaintext, aad []byte) ([]byte, error) {
	iv, err := GenerateRandomBytes(GcmNonceLen)
	if err != nil {
		return nil, fmt.Errorf("生成IV失败: %w", err)
	}
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, GcmNonceLen, GcmNonceLen+len(plaintext)+GcmTagLen)
	copy(out, iv)
	return aesgcm.Seal(out, iv, plaintext, aad), nil
}

// DecryptAESGCM 解密EncryptAESGCM的输出，aad必须与加密时一致
func DecryptAESGCM(key, cipherData, aad []byte) ([]byte, error) {
	if len(cipherData) < OverheadLen {
		return nil, fmt.Errorf("密文长度过短，至少需要%d字节", OverheadLen)
	}
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aesgcm.Open(nil, cipherData[:GcmNonceLen], cipherData[GcmNonceLen:], aad)
	if err != nil {
		return nil, fmt.Errorf("解密失败（可能是密钥错误或数据被篡改）: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建cipher失败: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}
	return aesgcm, nil
}
