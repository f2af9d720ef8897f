package reason

import (
	"context"
	"fmt"
	"strings"
)

// ScriptedDecider 是不依赖外部推理服务的确定性决策器。
// 依据人格中的价格上限与服务白名单做出决策，用于测试和本地演示。
type ScriptedDecider struct {
	profile  *Profile
	services map[string]struct{}
}

// NewScriptedDecider 创建确定性决策器。services 为空时接受任何服务。
func NewScriptedDecider(profile *Profile, services ...string) *ScriptedDecider {
	allow := make(map[string]struct{}, len(services))
	for _, svc := range services {
		svc = strings.ToLower(strings.TrimSpace(svc))
		if svc != "" {
			allow[svc] = struct{}{}
		}
	}
	return &ScriptedDecider{profile: profile, services: allow}
}

// Decide 实现 Decider 接口。
func (d *ScriptedDecider) Decide(_ context.Context, req Request) (*Decision, error) {
	service := strings.ToLower(strings.TrimSpace(req.Metadata["service"]))
	if len(d.services) > 0 {
		if _, ok := d.services[service]; !ok {
			return &Decision{
				Choice:     ChoiceReject,
				Rationale:  fmt.Sprintf("service %q outside expertise", service),
				Confidence: "high",
			}, nil
		}
	}
	if d.profile != nil && d.profile.PriceCeilingCt > 0 {
		if price := parsePriceCents(req.Metadata["price_cents"]); price > d.profile.PriceCeilingCt {
			return &Decision{
				Choice:     ChoiceReject,
				Rationale:  fmt.Sprintf("price %d exceeds ceiling %d", price, d.profile.PriceCeilingCt),
				Confidence: "high",
			}, nil
		}
	}
	return &Decision{
		Choice:     ChoiceAccept,
		Rationale:  "within expertise and price ceiling",
		Confidence: "high",
	}, nil
}

func parsePriceCents(raw string) int64 {
	var cents int64
	for _, r := range strings.TrimSpace(raw) {
		if r < '0' || r > '9' {
			return 0
		}
		cents = cents*10 + int64(r-'0')
	}
	return cents
}

var _ Decider = (*ScriptedDecider)(nil)
