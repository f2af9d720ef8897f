package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	xerrors "Walta-Core/internal/errors"
)

// Identity 描述一次通过校验的智能体身份。会话内不可变，超过 TTL 后需要重新校验。
type Identity struct {
	Handle               string    `json:"handle"`
	DID                  string    `json:"did"`
	PublicKeyFingerprint string    `json:"public_key_fingerprint"`
	VerifiedAt           time.Time `json:"verified_at"`
}

// DIDDocument 是身份注册中心返回的 DID 文档。
type DIDDocument struct {
	DID       string            `json:"did"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	Expires   time.Time         `json:"expires"`
	Proof     []byte            `json:"proof"`
}

var (
	// ErrUnresolvable 表示注册中心无法解析该 handle。
	ErrUnresolvable = xerrors.New(CodeUnresolvable, "identity handle unresolvable")
	// ErrInvalidSignature 表示 DID 文档签名与公钥不匹配。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "did document signature mismatch")
	// ErrExpired 表示 DID 文档已过有效期。
	ErrExpired = xerrors.New(CodeExpired, "did document expired")
)

const (
	CodeUnresolvable     xerrors.Code = "IDENTITY_UNRESOLVABLE"
	CodeInvalidSignature xerrors.Code = "IDENTITY_INVALID_SIGNATURE"
	CodeExpired          xerrors.Code = "IDENTITY_EXPIRED"
)

func init() {
	// 身份类错误对当前交易一律致命，不做静默重试。
	xerrors.Register(CodeUnresolvable, xerrors.Attributes{
		Message:   "identity handle unresolvable",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:   "did document signature mismatch",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:   "did document expired",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Fingerprint 计算公钥的指纹，用于在身份记录中引用公钥而不携带原文。
func Fingerprint(key ed25519.PublicKey) string {
	sum := sha256.Sum256(key)
	return "sha256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// SigningPayload 返回 DID 文档自签名覆盖的规范化字节串。
// 任何字段变动都会使既有签名失效。
func SigningPayload(did string, key ed25519.PublicKey, expires time.Time) []byte {
	payload := fmt.Sprintf("%s|%s|%d",
		did,
		base64.RawStdEncoding.EncodeToString(key),
		expires.Unix(),
	)
	return []byte(payload)
}

// Validate 校验 DID 文档的签名与有效期。
func (d *DIDDocument) Validate(now time.Time) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "DID 文档不能为空")
	}
	if len(d.PublicKey) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	if !now.Before(d.Expires) {
		return ErrExpired
	}
	if !ed25519.Verify(d.PublicKey, SigningPayload(d.DID, d.PublicKey, d.Expires), d.Proof) {
		return ErrInvalidSignature
	}
	return nil
}
