package reason

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "Walta-Core/internal/errors"
)

// Choice 是决策引擎可以返回的选项。
type Choice string

const (
	ChoiceAccept Choice = "accept"
	ChoiceReject Choice = "reject"
)

// Request 描述提交给决策引擎的一次决策。
type Request struct {
	Context  string
	Options  []string
	Profile  *Profile
	Metadata map[string]string
}

// Decision 是决策引擎返回的结构化结果。
type Decision struct {
	Choice     Choice `json:"choice"`
	Rationale  string `json:"rationale"`
	Confidence string `json:"confidence,omitempty"`
}

// Decider 定义了调用决策引擎的统一接口。
// 从编排器的角度看它是一个纯函数：可能很慢，偶尔返回畸形内容。
type Decider interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}

// ErrInvalidDecision 表示引擎输出无法解析成合法决策。
// 协商层必须把它降级为拒绝，而不是向上抛出解析故障。
var ErrInvalidDecision = xerrors.New(CodeInvalidDecision, "decision output unparseable")

const CodeInvalidDecision xerrors.Code = "REASON_INVALID_DECISION"

func init() {
	xerrors.Register(CodeInvalidDecision, xerrors.Attributes{
		Message:   "decision output unparseable",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ParseDecision 按严格 schema 校验引擎的原始输出。
// 引擎返回的是非类型化文本，这里是唯一的信任边界：
// 任何字段缺失、选项越界或 JSON 畸形都判定为非法决策。
func ParseDecision(raw string, options []string) (*Decision, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidDecision
	}

	// 兼容引擎把 JSON 包在 markdown 代码块里的情况。
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}

	var decoded struct {
		Choice     string `json:"choice"`
		Decision   string `json:"decision"`
		Rationale  string `json:"rationale"`
		Reasoning  string `json:"reasoning"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, ErrInvalidDecision
	}

	choice := strings.ToLower(strings.TrimSpace(decoded.Choice))
	if choice == "" {
		choice = strings.ToLower(strings.TrimSpace(decoded.Decision))
	}
	if choice == "" || !containsOption(options, choice) {
		return nil, ErrInvalidDecision
	}

	rationale := strings.TrimSpace(decoded.Rationale)
	if rationale == "" {
		rationale = strings.TrimSpace(decoded.Reasoning)
	}

	return &Decision{
		Choice:     Choice(choice),
		Rationale:  rationale,
		Confidence: strings.ToLower(strings.TrimSpace(decoded.Confidence)),
	}, nil
}

func containsOption(options []string, choice string) bool {
	if len(options) == 0 {
		return choice == string(ChoiceAccept) || choice == string(ChoiceReject)
	}
	for _, opt := range options {
		if strings.EqualFold(opt, choice) {
			return true
		}
	}
	return false
}
