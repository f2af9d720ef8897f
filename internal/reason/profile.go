package reason

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Profile 描述智能体的决策人格，拼装进提示词帮助引擎做出一致的决策。
type Profile struct {
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Expertise      []string `json:"expertise"`
	Traits         []string `json:"traits"`
	RiskTolerance  string   `json:"risk_tolerance"`
	DecisionStyle  string   `json:"decision_style"`
	PriceCeilingCt int64    `json:"price_ceiling_cents,omitempty"`
}

// LoadProfile 从 JSON 文件加载人格配置。
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取人格配置失败: %w", err)
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("解析人格配置失败: %w", err)
	}
	return &profile, nil
}

// PromptFragment 把人格渲染成提示词片段。
func (p *Profile) PromptFragment() string {
	if p == nil {
		return ""
	}
	var builder strings.Builder
	if p.Role != "" {
		builder.WriteString(fmt.Sprintf("角色: %s\n", p.Role))
	}
	if len(p.Expertise) > 0 {
		builder.WriteString(fmt.Sprintf("专长: %s\n", strings.Join(p.Expertise, ", ")))
	}
	if len(p.Traits) > 0 {
		builder.WriteString(fmt.Sprintf("性格: %s\n", strings.Join(p.Traits, ", ")))
	}
	if p.RiskTolerance != "" {
		builder.WriteString(fmt.Sprintf("风险偏好: %s\n", p.RiskTolerance))
	}
	if p.DecisionStyle != "" {
		builder.WriteString(fmt.Sprintf("决策风格: %s\n", p.DecisionStyle))
	}
	return builder.String()
}
