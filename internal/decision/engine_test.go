package decision

import (
	"context"
	"testing"
	"time"

	"nookplot-core/internal/action"
)

type staticFeedback struct {
	up, down int
	err      error
}

func (f *staticFeedback) Feedback(context.Context, string, time.Time) (int, int, error) {
	return f.up, f.down, f.err
}

func newTestRegistry() *action.StaticRegistry {
	reg := action.NewStaticRegistry()
	reg.RegisterTool(action.ToolPolicy{Name: "publish_post", BaseCost: 25})
	reg.RegisterTool(action.ToolPolicy{Name: "submit_bid", BaseCost: 100, Restricted: true})
	reg.RegisterTool(action.ToolPolicy{Name: "transfer_funds", BaseCost: 10, Supervised: true})
	reg.MapOpportunity("bounty", "publish_post")
	reg.MapOpportunity("auction", "submit_bid")
	return reg
}

func TestKeywordAlignmentDomainAndGoalHits(t *testing.T) {
	agent := AgentContext{
		Domains: []string{"defi", "security"},
		Goals:   []string{"win audit contracts"},
	}
	opp := Opportunity{Title: "DeFi security audit bounty", Description: "audit a lending protocol"}

	// 两个领域各命中 1.0，目标词 "audit" 命中 0.5，
	// 归一化 2.5/3 后未超过上限。
	got := keywordAlignment(agent, opp)
	want := 2.5 / 3.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("keywordAlignment = %v, want %v", got, want)
	}
}

func TestKeywordAlignmentCountsEveryGoalWord(t *testing.T) {
	// 同一目标里每个命中的词都计 0.5，不止第一个。
	agent := AgentContext{
		Domains: []string{"defi"},
		Goals:   []string{"yield farming"},
	}
	opp := Opportunity{Title: "defi yield farming guide"}

	// 领域 1.0 + 两个目标词各 0.5，归一化 2.0/2 = 1.0。
	if got := keywordAlignment(agent, opp); got != 1.0 {
		t.Fatalf("keywordAlignment = %v, want 1.0", got)
	}
}

func TestKeywordAlignmentNeutralWithoutDomains(t *testing.T) {
	got := keywordAlignment(AgentContext{}, Opportunity{Title: "anything"})
	if got != 0.5 {
		t.Fatalf("keywordAlignment = %v, want 0.5", got)
	}
}

func TestKeywordAlignmentCappedAtOne(t *testing.T) {
	agent := AgentContext{Domains: []string{"defi"}}
	opp := Opportunity{Title: "defi defi defi"}
	if got := keywordAlignment(agent, opp); got != 1.0 {
		t.Fatalf("keywordAlignment = %v, want 1.0", got)
	}
}

func TestEvaluateFiltersBelowThreshold(t *testing.T) {
	engine := NewEngine(newTestRegistry(), nil, nil)
	agent := AgentContext{Domains: []string{"defi"}, AutonomyLevel: action.AutonomyFull}
	opps := []Opportunity{
		{ID: "o1", Type: "bounty", Title: "DeFi yield bounty", EstimatedValue: 500},
		{ID: "o2", Type: "bounty", Title: "Unrelated gardening task", EstimatedValue: 900},
	}
	eval, err := engine.Evaluate(context.Background(), "agent-1", agent, opps)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Candidates) != 1 || eval.Skipped != 1 {
		t.Fatalf("candidates = %d, skipped = %d", len(eval.Candidates), eval.Skipped)
	}
	if eval.Candidates[0].Opportunity.ID != "o1" {
		t.Fatalf("kept = %q", eval.Candidates[0].Opportunity.ID)
	}
}

func TestEvaluateSkipsUnmappedOpportunityType(t *testing.T) {
	engine := NewEngine(newTestRegistry(), nil, nil)
	agent := AgentContext{Domains: []string{"defi"}, AutonomyLevel: action.AutonomyFull}
	eval, err := engine.Evaluate(context.Background(), "agent-1", agent, []Opportunity{
		{ID: "o1", Type: "unknown_kind", Title: "defi thing", EstimatedValue: 100},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Candidates) != 0 || eval.Skipped != 1 {
		t.Fatalf("candidates = %d, skipped = %d", len(eval.Candidates), eval.Skipped)
	}
}

func TestEvaluateRanksByEfficiencyDescending(t *testing.T) {
	engine := NewEngine(newTestRegistry(), nil, nil)
	agent := AgentContext{Domains: []string{"defi"}, AutonomyLevel: action.AutonomyFull}
	opps := []Opportunity{
		{ID: "low", Type: "bounty", Title: "defi", EstimatedValue: 100},
		{ID: "high", Type: "bounty", Title: "defi", EstimatedValue: 1000},
		{ID: "mid", Type: "bounty", Title: "defi", EstimatedValue: 500},
	}
	eval, err := engine.Evaluate(context.Background(), "agent-1", agent, opps)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	order := []string{eval.Candidates[0].Opportunity.ID, eval.Candidates[1].Opportunity.ID, eval.Candidates[2].Opportunity.ID}
	if order[0] != "high" || order[1] != "mid" || order[2] != "low" {
		t.Fatalf("order = %v", order)
	}
}

func TestEvaluateStableOrderOnEqualEfficiency(t *testing.T) {
	engine := NewEngine(newTestRegistry(), nil, nil)
	agent := AgentContext{Domains: []string{"defi"}, AutonomyLevel: action.AutonomyFull}
	opps := []Opportunity{
		{ID: "first", Type: "bounty", Title: "defi", EstimatedValue: 300},
		{ID: "second", Type: "bounty", Title: "defi", EstimatedValue: 300},
	}
	eval, err := engine.Evaluate(context.Background(), "agent-1", agent, opps)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Candidates[0].Opportunity.ID != "first" || eval.Candidates[1].Opportunity.ID != "second" {
		t.Fatalf("order = %q, %q", eval.Candidates[0].Opportunity.ID, eval.Candidates[1].Opportunity.ID)
	}
}

func TestReputationMultiplierRaisesAndLowersThreshold(t *testing.T) {
	tests := []struct {
		name     string
		feedback *staticFeedback
		want     float64
	}{
		{"no feedback source keeps neutral", nil, 1.0},
		{"all positive", &staticFeedback{up: 10}, 1.5},
		{"all negative", &staticFeedback{down: 10}, 0.5},
		{"mixed", &staticFeedback{up: 3, down: 1}, 1.25},
		{"zero counts keep neutral", &staticFeedback{}, 1.0},
		{"error keeps neutral", &staticFeedback{up: 5, err: context.DeadlineExceeded}, 1.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var opts []EngineOption
			if tc.feedback != nil {
				opts = append(opts, WithFeedbackSource(tc.feedback))
			}
			engine := NewEngine(newTestRegistry(), nil, nil, opts...)
			got := engine.reputationMultiplier(context.Background(), "agent-1")
			if got != tc.want {
				t.Fatalf("multiplier = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateThresholdScalesWithReputation(t *testing.T) {
	// 0.4 的对齐度：中性门槛 0.3 放行，差声誉门槛 0.6 淘汰。
	agent := AgentContext{Domains: []string{"defi", "security", "nft", "dao", "gaming"}, AutonomyLevel: action.AutonomyFull}
	opp := Opportunity{ID: "o1", Type: "bounty", Title: "defi and security work", EstimatedValue: 100}

	neutral := NewEngine(newTestRegistry(), nil, nil)
	eval, err := neutral.Evaluate(context.Background(), "agent-1", agent, []Opportunity{opp})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Candidates) != 1 {
		t.Fatalf("neutral reputation: candidates = %d", len(eval.Candidates))
	}

	distrusted := NewEngine(newTestRegistry(), nil, nil,
		WithFeedbackSource(&staticFeedback{down: 10}))
	eval, err = distrusted.Evaluate(context.Background(), "agent-1", agent, []Opportunity{opp})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Candidates) != 0 || eval.Skipped != 1 {
		t.Fatalf("bad reputation: candidates = %d, skipped = %d", len(eval.Candidates), eval.Skipped)
	}
}

func TestApprovalPolicyByAutonomyLevel(t *testing.T) {
	policy := NewApprovalPolicy(newTestRegistry(), 5000)
	tests := []struct {
		name       string
		level      action.AutonomyLevel
		actionType string
		cost       int64
		want       bool
	}{
		{"supervised level always approves", action.AutonomySupervised, "publish_post", 10, true},
		{"semi under half budget runs free", action.AutonomySemi, "publish_post", 2500, false},
		{"semi over half budget approves", action.AutonomySemi, "publish_post", 2501, true},
		{"autonomous allows registered tool", action.AutonomyAutonomous, "publish_post", 25, false},
		{"autonomous blocks restricted tool", action.AutonomyAutonomous, "submit_bid", 100, true},
		{"autonomous blocks unknown tool", action.AutonomyAutonomous, "mystery", 5, true},
		{"fully autonomous runs free", action.AutonomyFull, "submit_bid", 100, false},
		{"supervised tool overrides full autonomy", action.AutonomyFull, "transfer_funds", 10, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.RequiresApproval(tc.level, tc.actionType, tc.cost); got != tc.want {
				t.Fatalf("RequiresApproval = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestApprovalPolicyHonorsDeclaredBoundaries(t *testing.T) {
	policy := NewApprovalPolicy(newTestRegistry(), 5000)
	boundaries := []string{"publish_post"}

	// autonomous 级别：声明在边界内的动作需要审批，未声明的放行。
	if !policy.RequiresApprovalFor(action.AutonomyAutonomous, "publish_post", 25, boundaries) {
		t.Fatal("declared boundary must require approval at autonomous level")
	}
	if policy.RequiresApprovalFor(action.AutonomyAutonomous, "publish_post", 25, nil) {
		t.Fatal("unrestricted tool without boundary must run free at autonomous level")
	}
	// fully-autonomous 级别不检查边界。
	if policy.RequiresApprovalFor(action.AutonomyFull, "publish_post", 25, boundaries) {
		t.Fatal("fully autonomous level must not check boundaries")
	}
}

func TestCreateActionQueuesApprovalGatedCandidate(t *testing.T) {
	store := action.NewMemoryStore()
	service := action.NewService(store, nil)
	engine := NewEngine(newTestRegistry(), nil, service)

	agent := AgentContext{AutonomyLevel: action.AutonomySupervised}
	cand := Candidate{
		Opportunity: Opportunity{ID: "o1", Type: "bounty", Title: "defi bounty"},
		ActionType:  "publish_post",
		Cost:        25,
	}
	act, err := engine.CreateAction(context.Background(), "agent-1", agent, cand)
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	if act.Status != action.StatusPending {
		t.Fatalf("status = %q, want pending", act.Status)
	}
	if act.Payload["opportunity_id"] != "o1" {
		t.Fatalf("payload = %+v", act.Payload)
	}
}

func TestCreateActionAutoApprovesFreeCandidate(t *testing.T) {
	store := action.NewMemoryStore()
	service := action.NewService(store, nil)
	engine := NewEngine(newTestRegistry(), nil, service)

	agent := AgentContext{AutonomyLevel: action.AutonomyFull}
	cand := Candidate{
		Opportunity: Opportunity{ID: "o2", Type: "bounty", Title: "defi bounty"},
		ActionType:  "publish_post",
		Cost:        25,
	}
	act, err := engine.CreateAction(context.Background(), "agent-1", agent, cand)
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	if act.Status != action.StatusApproved {
		t.Fatalf("status = %q, want approved", act.Status)
	}
}

func TestScanLogRoundTrip(t *testing.T) {
	log := NewMemoryScanLog()
	engine := NewEngine(newTestRegistry(), nil, nil, WithScanLog(log))

	entry := &ScanEntry{
		AgentID:            "agent-1",
		OpportunitiesFound: 7,
		Proposed:           3,
		AutoExecuted:       1,
		CreditsSpent:       75,
		DurationMS:         820,
	}
	if err := engine.RecordScan(context.Background(), entry); err != nil {
		t.Fatalf("RecordScan: %v", err)
	}
	if entry.ID == "" || entry.CreatedAt == 0 {
		t.Fatalf("entry not stamped: %+v", entry)
	}
	recent, err := log.Recent(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Proposed != 3 {
		t.Fatalf("recent = %+v", recent)
	}
}
