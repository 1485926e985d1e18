package hichain

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/junbin-yang/devicemanager-go/pkg/utils/crypto"
)

// EC-SPEKE（PAKE V1，X25519）

const (
	spekeBaseInfo       = "hichain_speke_base_info"
	spekeSessionKeyInfo = "hichain_speke_sessionkey_info"

	exchangeRequestAad  = "hichain_exchange_request"
	exchangeResponseAad = "hichain_exchange_response"

	saltLength      = 16
	challengeLength = 16
	unionKeyLength  = 48 // sessionKey(16) + hmacKey(32)
)

var (
	ErrEmptyPin         = errors.New("hichain: empty pin code")
	ErrKeyConfirmFailed = errors.New("hichain: key confirmation failed")
	ErrSignatureInvalid = errors.New("hichain: signature verify failed")
)

var (
	curveP     = mustBig("7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffed")
	curveHalfP = mustBig("3ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff6") // (p-1)/2
	curveA     = big.NewInt(486662)
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("hichain: bad curve constant " + s)
	}
	return v
}

// spekeContext 一次PAKE过程中两端各自持有的临时材料
type spekeContext struct {
	salt          []byte
	eskSelf       []byte
	epkSelf       []byte
	epkPeer       []byte
	challengeSelf []byte
	challengePeer []byte
	sessionKey    []byte
	hmacKey       []byte
}

// deriveBasePoint base = Elligator2(HKDF(pin, salt, baseInfo))
func deriveBasePoint(pin string, salt []byte) ([]byte, error) {
	if pin == "" {
		return nil, ErrEmptyPin
	}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(pin), salt, []byte(spekeBaseInfo)), secret); err != nil {
		return nil, fmt.Errorf("派生基点种子失败: %w", err)
	}
	return elligator2(secret), nil
}

// newEphemeral 生成clamp过的临时私钥，并计算 epk = esk * base
func (c *spekeContext) newEphemeral(base []byte) error {
	esk, err := crypto.GenerateRandomBytes(32)
	if err != nil {
		return err
	}
	esk[31] &= 0xF8
	esk[0] &= 0x7F
	esk[0] |= 0x40

	epk, err := curve25519.X25519(esk, base)
	if err != nil {
		return fmt.Errorf("计算临时公钥失败: %w", err)
	}
	c.eskSelf, c.epkSelf = esk, epk
	return nil
}

// deriveKeys 由 eskSelf*epkPeer 派生unionKey，并拆分为sessionKey与hmacKey
func (c *spekeContext) deriveKeys() error {
	if len(c.epkPeer) != 32 {
		return fmt.Errorf("对端公钥长度错误: %d", len(c.epkPeer))
	}
	shared, err := curve25519.X25519(c.eskSelf, c.epkPeer)
	if err != nil {
		return fmt.Errorf("计算共享密钥失败: %w", err)
	}
	union := make([]byte, unionKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, c.salt, []byte(spekeSessionKeyInfo)), union); err != nil {
		return fmt.Errorf("派生会话密钥失败: %w", err)
	}
	c.sessionKey = union[:SessionKeyLength]
	c.hmacKey = union[SessionKeyLength:]
	return nil
}

// proofSelf HMAC(hmacKey, challengeSelf || challengePeer)
func (c *spekeContext) proofSelf() []byte {
	return kcf(c.hmacKey, c.challengeSelf, c.challengePeer)
}

// verifyPeerProof 对端的证明为 HMAC(hmacKey, challengePeer || challengeSelf)
func (c *spekeContext) verifyPeerProof(proof []byte) error {
	if !hmac.Equal(kcf(c.hmacKey, c.challengePeer, c.challengeSelf), proof) {
		return ErrKeyConfirmFailed
	}
	return nil
}

func kcf(key, first, second []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(first)
	mac.Write(second)
	return mac.Sum(nil)
}

// signedMessage challengeSelf || challengePeer || authInfo
func signedMessage(first, second, authInfo []byte) []byte {
	msg := make([]byte, 0, len(first)+len(second)+len(authInfo))
	msg = append(msg, first...)
	msg = append(msg, second...)
	return append(msg, authInfo...)
}

// signPrehashed ED25519(SHA256(message))
func signPrehashed(privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ED25519私钥长度错误: %d", len(privateKey))
	}
	digest := sha256.Sum256(message)
	return ed25519.Sign(privateKey, digest[:]), nil
}

func verifyPrehashed(publicKey ed25519.PublicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return ErrSignatureInvalid
	}
	digest := sha256.Sum256(message)
	if !ed25519.Verify(publicKey, digest[:], signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// elligator2 把32字节种子映射为Curve25519上的u坐标（小端）
func elligator2(seed []byte) []byte {
	r := make([]byte, 32)
	copy(r, seed)
	r[31] &= 0x7F
	rf := new(big.Int).SetBytes(reverse(r))
	rf.Mod(rf, curveP)

	// u = -A / (1 + 2r^2)
	denom := new(big.Int).Mul(rf, rf)
	denom.Lsh(denom, 1).Add(denom, big.NewInt(1)).Mod(denom, curveP)
	inv := new(big.Int).ModInverse(denom, curveP)
	if inv == nil {
		// 1+2r^2 ≡ 0 时退化到 u = 0
		return make([]byte, 32)
	}
	negA := new(big.Int).Neg(curveA)
	u := new(big.Int).Mul(negA, inv)
	u.Mod(u, curveP)

	// v^2 = u^3 + A*u^2 + u，非二次剩余时取 u' = -A - u
	u2 := new(big.Int).Mul(u, u)
	v2 := new(big.Int).Mul(u2, u)
	v2.Add(v2, new(big.Int).Mul(curveA, u2)).Add(v2, u).Mod(v2, curveP)
	if new(big.Int).Exp(v2, curveHalfP, curveP).Cmp(big.NewInt(1)) != 0 {
		u.Sub(negA, u).Mod(u, curveP)
	}

	out := make([]byte, 32)
	u.FillBytes(out)
	return reverse(out)
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

// sealExchange nonce(12) || AES-GCM(plaintext)
func sealExchange(key, plaintext []byte, aad string) ([]byte, error) {
	return crypto.EncryptAESGCM(key, plaintext, []byte(aad))
}

func openExchange(key, data []byte, aad string) ([]byte, error) {
	return crypto.DecryptAESGCM(key, data, []byte(aad))
}
