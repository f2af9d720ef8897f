package negotiation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"Walta-Core/internal/reason"
)

type fakeOpener struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeOpener) OpenTrade(_ context.Context, p Proposal) (string, error) {
	f.calls.Add(1)
	if f.fail {
		return "", context.Canceled
	}
	return "trade_" + p.ID, nil
}

type malformedDecider struct{}

func (malformedDecider) Decide(context.Context, reason.Request) (*reason.Decision, error) {
	return nil, reason.ErrInvalidDecision
}

type slowDecider struct{ delay time.Duration }

func (d slowDecider) Decide(ctx context.Context, _ reason.Request) (*reason.Decision, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.delay):
		return &reason.Decision{Choice: reason.ChoiceAccept, Rationale: "slow accept"}, nil
	}
}

func startResponder(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Serve(ctx, 1)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestProposeAccepted(t *testing.T) {
	channel := NewMemoryChannel(8)
	defer channel.Close()

	sellerProfile := &reason.Profile{Name: "翻译员", PriceCeilingCt: 10_000}
	opener := &fakeOpener{}
	seller := NewEngine("did:walta:seller", channel,
		reason.NewScriptedDecider(sellerProfile, "translation"), opener)
	startResponder(t, seller)

	buyer := NewEngine("did:walta:buyer", channel, nil, nil,
		WithDecisionWindow(2*time.Second))
	startResponder(t, buyer)

	decision, err := buyer.Propose(context.Background(), Proposal{
		ServiceDescriptor: "translation",
		Price:             5_000,
		Counterparty:      "did:walta:seller",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Choice != reason.ChoiceAccept {
		t.Fatalf("expected accept, got %s (%s)", decision.Choice, decision.Rationale)
	}
	if decision.TradeID == "" {
		t.Fatal("accepted decision must carry a trade id")
	}
	if opener.calls.Load() != 1 {
		t.Fatalf("expected exactly one trade opened, got %d", opener.calls.Load())
	}
}

func TestProposeRejectedOverCeiling(t *testing.T) {
	channel := NewMemoryChannel(8)
	defer channel.Close()

	sellerProfile := &reason.Profile{Name: "翻译员", PriceCeilingCt: 1_000}
	opener := &fakeOpener{}
	seller := NewEngine("did:walta:seller", channel,
		reason.NewScriptedDecider(sellerProfile, "translation"), opener)
	startResponder(t, seller)

	buyer := NewEngine("did:walta:buyer", channel, nil, nil,
		WithDecisionWindow(2*time.Second))
	startResponder(t, buyer)

	decision, err := buyer.Propose(context.Background(), Proposal{
		ServiceDescriptor: "translation",
		Price:             50_000,
		Counterparty:      "did:walta:seller",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Choice != reason.ChoiceReject {
		t.Fatalf("expected reject, got %s", decision.Choice)
	}
	if opener.calls.Load() != 0 {
		t.Fatal("rejected proposal must not open a trade")
	}
}

func TestProposeTimesOutWithoutResponder(t *testing.T) {
	channel := NewMemoryChannel(8)
	defer channel.Close()

	buyer := NewEngine("did:walta:buyer", channel, nil, nil,
		WithDecisionWindow(50*time.Millisecond))

	decision, err := buyer.Propose(context.Background(), Proposal{
		ServiceDescriptor: "translation",
		Price:             5_000,
		Counterparty:      "did:walta:ghost",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Choice != reason.ChoiceReject || decision.Rationale != RationaleTimeout {
		t.Fatalf("expected forced timeout reject, got %+v", decision)
	}
}

func TestMalformedDecisionBecomesReject(t *testing.T) {
	channel := NewMemoryChannel(8)
	defer channel.Close()

	seller := NewEngine("did:walta:seller", channel, malformedDecider{}, &fakeOpener{})
	startResponder(t, seller)

	buyer := NewEngine("did:walta:buyer", channel, nil, nil,
		WithDecisionWindow(2*time.Second))
	startResponder(t, buyer)

	decision, err := buyer.Propose(context.Background(), Proposal{
		ServiceDescriptor: "translation",
		Price:             5_000,
		Counterparty:      "did:walta:seller",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Choice != reason.ChoiceReject || decision.Rationale != RationaleInvalidDecision {
		t.Fatalf("expected invalid_decision_format reject, got %+v", decision)
	}
}

func TestSlowDeciderBecomesReject(t *testing.T) {
	channel := NewMemoryChannel(8)
	defer channel.Close()

	seller := NewEngine("did:walta:seller", channel, slowDecider{delay: time.Second}, &fakeOpener{},
		WithDeciderTimeout(20*time.Millisecond))
	startResponder(t, seller)

	buyer := NewEngine("did:walta:buyer", channel, nil, nil,
		WithDecisionWindow(2*time.Second))
	startResponder(t, buyer)

	decision, err := buyer.Propose(context.Background(), Proposal{
		ServiceDescriptor: "translation",
		Price:             5_000,
		Counterparty:      "did:walta:seller",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Choice != reason.ChoiceReject || decision.Rationale != RationaleTimeout {
		t.Fatalf("expected timeout reject from slow decider, got %+v", decision)
	}
}

func TestTradeOpenFailureDowngradesToReject(t *testing.T) {
	channel := NewMemoryChannel(8)
	defer channel.Close()

	seller := NewEngine("did:walta:seller", channel,
		reason.NewScriptedDecider(nil), &fakeOpener{fail: true})
	startResponder(t, seller)

	buyer := NewEngine("did:walta:buyer", channel, nil, nil,
		WithDecisionWindow(2*time.Second))
	startResponder(t, buyer)

	decision, err := buyer.Propose(context.Background(), Proposal{
		ServiceDescriptor: "translation",
		Price:             5_000,
		Counterparty:      "did:walta:seller",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Choice != reason.ChoiceReject {
		t.Fatalf("expected reject when trade cannot be opened, got %+v", decision)
	}
	if decision.TradeID != "" {
		t.Fatal("failed trade open must not leak a trade id")
	}
}

func TestDecidedProposalsAreArchived(t *testing.T) {
	channel := NewMemoryChannel(8)
	defer channel.Close()

	sellerProfile := &reason.Profile{Name: "翻译员", PriceCeilingCt: 10_000}
	seller := NewEngine("did:walta:seller", channel,
		reason.NewScriptedDecider(sellerProfile, "translation"), &fakeOpener{})
	startResponder(t, seller)

	buyer := NewEngine("did:walta:buyer", channel, nil, nil,
		WithDecisionWindow(2*time.Second))
	startResponder(t, buyer)

	for i := 0; i < 3; i++ {
		if _, err := buyer.Propose(context.Background(), Proposal{
			ServiceDescriptor: "translation",
			Price:             5_000,
			Counterparty:      "did:walta:seller",
		}); err != nil {
			t.Fatalf("propose %d: %v", i, err)
		}
	}

	if got := buyer.trackedProposals(); got != 0 {
		t.Fatalf("initiator must archive decided proposals, %d left", got)
	}
	// 裁决回执送达买方后，卖方侧的归档可能仍在进行。
	deadline := time.Now().Add(time.Second)
	for seller.trackedProposals() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("responder must archive decided proposals, %d left", seller.trackedProposals())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStateMachineIsForwardOnly(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateDraft, StateOffered},
		{StateOffered, StateEvaluating},
		{StateOffered, StateDecided},
		{StateEvaluating, StateDecided},
		{StateDecided, StateClosed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}
	denied := []struct{ from, to State }{
		{StateOffered, StateDraft},
		{StateDecided, StateEvaluating},
		{StateClosed, StateOffered},
		{StateDecided, StateDecided},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}
