package reason

import (
	"context"
	"errors"
	"testing"
)

func TestParseDecisionAcceptsWellFormedOutput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Choice
	}{
		{"标准字段", `{"choice": "accept", "rationale": "price is fair", "confidence": "high"}`, ChoiceAccept},
		{"兼容 decision 字段", `{"decision": "reject", "reasoning": "too expensive"}`, ChoiceReject},
		{"大小写不敏感", `{"choice": "Accept", "rationale": "ok"}`, ChoiceAccept},
		{"markdown 包裹", "```json\n{\"choice\": \"accept\", \"rationale\": \"ok\"}\n```", ChoiceAccept},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := ParseDecision(tc.raw, []string{"accept", "reject"})
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}
			if decision.Choice != tc.want {
				t.Fatalf("choice = %s, want %s", decision.Choice, tc.want)
			}
		})
	}
}

func TestParseDecisionRejectsMalformedOutput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"空输出", ""},
		{"非 JSON", "sure, I accept the proposal!"},
		{"缺少 choice", `{"rationale": "sounds good"}`},
		{"选项越界", `{"choice": "maybe", "rationale": "hmm"}`},
		{"截断的 JSON", `{"choice": "acc`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDecision(tc.raw, []string{"accept", "reject"})
			if !errors.Is(err, ErrInvalidDecision) {
				t.Fatalf("期望 ErrInvalidDecision，实际 %v", err)
			}
		})
	}
}

func TestScriptedDeciderHonoursPriceCeiling(t *testing.T) {
	profile := &Profile{Name: "alice", PriceCeilingCt: 10000}
	decider := NewScriptedDecider(profile, "data_analysis")

	decision, err := decider.Decide(context.Background(), Request{
		Context:  "proposal",
		Options:  []string{"accept", "reject"},
		Metadata: map[string]string{"service": "data_analysis", "price_cents": "7500"},
	})
	if err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	if decision.Choice != ChoiceAccept {
		t.Fatalf("在上限内应当接受，实际 %s", decision.Choice)
	}

	decision, err = decider.Decide(context.Background(), Request{
		Context:  "proposal",
		Options:  []string{"accept", "reject"},
		Metadata: map[string]string{"service": "data_analysis", "price_cents": "20000"},
	})
	if err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	if decision.Choice != ChoiceReject {
		t.Fatalf("超出上限应当拒绝，实际 %s", decision.Choice)
	}
}

func TestScriptedDeciderRejectsUnknownService(t *testing.T) {
	decider := NewScriptedDecider(nil, "data_analysis")
	decision, err := decider.Decide(context.Background(), Request{
		Options:  []string{"accept", "reject"},
		Metadata: map[string]string{"service": "skywriting"},
	})
	if err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	if decision.Choice != ChoiceReject {
		t.Fatalf("白名单外的服务应当拒绝，实际 %s", decision.Choice)
	}
}
