package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	stdErrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Walta-Core/internal/errors"
)

// Registry 抽象了外部身份注册中心的解析能力。
type Registry interface {
	Resolve(ctx context.Context, handle string) (*DIDDocument, error)
}

// HTTPRegistry 通过 REST 接口访问远端注册中心。
type HTTPRegistry struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPRegistryConfig 描述远端注册中心的访问参数。
type HTTPRegistryConfig struct {
	BaseURL string
	Timeout time.Duration
}

const defaultRegistryTimeout = 10 * time.Second

// NewHTTPRegistry 创建远端注册中心客户端。
func NewHTTPRegistry(cfg HTTPRegistryConfig) (*HTTPRegistry, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "注册中心地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRegistryTimeout
	}
	return &HTTPRegistry{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Resolve 请求注册中心解析 handle 对应的 DID 文档。
func (r *HTTPRegistry) Resolve(ctx context.Context, handle string) (*DIDDocument, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "handle 不能为空")
	}

	endpoint := fmt.Sprintf("%s/v1/dids/%s", r.baseURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnresolvable, err, "构建注册中心请求失败")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "注册中心解析超时")
		}
		return nil, xerrors.Wrap(CodeUnresolvable, err, "请求注册中心失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnresolvable
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, xerrors.New(CodeUnresolvable,
			fmt.Sprintf("注册中心返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		DID       string `json:"did"`
		PublicKey string `json:"public_key"`
		Expires   int64  `json:"expires"`
		Proof     string `json:"proof"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeUnresolvable, err, "解析注册中心响应失败")
	}

	key, err := base64.RawStdEncoding.DecodeString(decoded.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnresolvable, err, "解析公钥失败")
	}
	proof, err := base64.RawStdEncoding.DecodeString(decoded.Proof)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnresolvable, err, "解析签名失败")
	}

	return &DIDDocument{
		DID:       decoded.DID,
		PublicKey: ed25519.PublicKey(key),
		Expires:   time.Unix(decoded.Expires, 0),
		Proof:     proof,
	}, nil
}

// StaticRegistry 在进程内维护身份注册表，主要用于测试和本地演示。
// 它承担原型系统中自管注册表的角色：注册时铸造 did:walta:<uuid>
// 并用新生成的密钥对 DID 文档自签名。
type StaticRegistry struct {
	mu       sync.RWMutex
	docs     map[string]*DIDDocument
	keys     map[string]ed25519.PrivateKey
	validity time.Duration
}

// NewStaticRegistry 创建进程内注册中心。validity 控制铸造文档的有效期。
func NewStaticRegistry(validity time.Duration) *StaticRegistry {
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	return &StaticRegistry{
		docs:     make(map[string]*DIDDocument),
		keys:     make(map[string]ed25519.PrivateKey),
		validity: validity,
	}
}

// Register 为 handle 铸造一个自签名的 DID 文档并返回 DID。
func (r *StaticRegistry) Register(handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "handle 不能为空")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "生成身份密钥失败")
	}

	did := "did:walta:" + uuid.NewString()
	expires := time.Now().Add(r.validity)
	proof := ed25519.Sign(priv, SigningPayload(did, pub, expires))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[handle] = &DIDDocument{
		DID:       did,
		PublicKey: pub,
		Expires:   expires,
		Proof:     proof,
	}
	r.keys[handle] = priv
	return did, nil
}

// Resolve 实现 Registry 接口。
func (r *StaticRegistry) Resolve(_ context.Context, handle string) (*DIDDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[strings.TrimSpace(handle)]
	if !ok {
		return nil, ErrUnresolvable
	}
	clone := *doc
	return &clone, nil
}

// Tamper 将指定 handle 的文档签名破坏掉，仅供测试验证签名校验路径。
func (r *StaticRegistry) Tamper(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[handle]; ok && len(doc.Proof) > 0 {
		doc.Proof[0] ^= 0xff
	}
}

// ExpireNow 将指定 handle 的文档立即置为过期，仅供测试。
func (r *StaticRegistry) ExpireNow(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[handle]; ok {
		key := r.keys[handle]
		doc.Expires = time.Now().Add(-time.Minute)
		doc.Proof = ed25519.Sign(key, SigningPayload(doc.DID, doc.PublicKey, doc.Expires))
	}
}

var (
	_ Registry = (*HTTPRegistry)(nil)
	_ Registry = (*StaticRegistry)(nil)
)
