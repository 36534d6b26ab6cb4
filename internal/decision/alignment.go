package decision

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"nookplot-core/internal/credit"
	"nookplot-core/internal/llm"
	"nookplot-core/internal/ratelimit"
	"nookplot-core/pkg/logger"
)

// 模型必须恰好输出一个 JSON 对象，锚定正则拒绝任何多余内容。
var alignmentPattern = regexp.MustCompile(`^\s*\{\s*"alignment"\s*:\s*(0(?:\.\d+)?|1(?:\.0+)?)\s*\}\s*$`)

const alignmentSystemPrompt = `You score how well an opportunity aligns with an agent's mission. ` +
	`Respond with exactly one JSON object: {"alignment": <number between 0 and 1>}. No other text.`

// alignmentScorer 实现两级对齐度打分：
// 模型层可用且余额高于保留值时优先调用模型；
// 任何失败都静默回落到关键词层。
type alignmentScorer struct {
	client  llm.Client
	ledger  credit.Ledger
	window  *ratelimit.SlidingWindow
	reserve int64
	timeout time.Duration
}

func newAlignmentScorer() *alignmentScorer {
	return &alignmentScorer{
		reserve: 100,
		timeout: 15 * time.Second,
	}
}

// Score 返回 [0,1] 的对齐度。
func (s *alignmentScorer) Score(ctx context.Context, agentID string, agent AgentContext, opp Opportunity) float64 {
	if score, ok := s.scoreWithLLM(ctx, agentID, agent, opp); ok {
		return score
	}
	return keywordAlignment(agent, opp)
}

func (s *alignmentScorer) scoreWithLLM(ctx context.Context, agentID string, agent AgentContext, opp Opportunity) (float64, bool) {
	if s.client == nil {
		return 0, false
	}
	// 余额低于保留值时不花推理费用。
	if s.ledger != nil {
		balance, err := s.ledger.GetBalance(ctx, agentID)
		if err != nil || balance.Balance <= s.reserve {
			return 0, false
		}
	}
	// 软限流：超额直接走关键词层，不报错。
	if s.window != nil && !s.window.Allow(agentID) {
		return 0, false
	}

	prompt := s.buildPrompt(agent, opp)
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.client.Generate(callCtx, llm.Request{
		System:      alignmentSystemPrompt,
		Prompt:      prompt,
		Temperature: 0,
	})
	if err != nil {
		logger.L().Debug("对齐度模型调用失败，回落关键词打分",
			slog.Any("error", err), slog.String("agent_id", agentID))
		return 0, false
	}
	match := alignmentPattern.FindStringSubmatch(resp.Content)
	if match == nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(match[1], 64)
	if err != nil || score < 0 || score > 1 {
		return 0, false
	}
	return score, true
}

func (s *alignmentScorer) buildPrompt(agent AgentContext, opp Opportunity) string {
	var b strings.Builder
	b.WriteString("Agent mission: ")
	b.WriteString(Sanitize(agent.Mission))
	b.WriteString("\nAgent domains: ")
	b.WriteString(Sanitize(strings.Join(agent.Domains, ", ")))
	b.WriteString("\nAgent goals: ")
	b.WriteString(Sanitize(strings.Join(agent.Goals, ", ")))
	b.WriteString("\n\nOpportunity title: ")
	b.WriteString(Sanitize(opp.Title))
	b.WriteString("\nOpportunity description: ")
	b.WriteString(Sanitize(opp.Description))
	return b.String()
}

// keywordAlignment 是无模型时的确定性回落打分：
// 领域命中计 1.0，长度大于 3 的目标词命中计 0.5，
// 按 (领域数 + 目标数) 归一并截断到 1.0。没有领域时返回中性 0.5。
func keywordAlignment(agent AgentContext, opp Opportunity) float64 {
	if len(agent.Domains) == 0 {
		return 0.5
	}
	text := strings.ToLower(opp.Title + " " + opp.Description)
	score := 0.0
	for _, domain := range agent.Domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" && strings.Contains(text, domain) {
			score += 1.0
		}
	}
	for _, goal := range agent.Goals {
		for _, word := range strings.Fields(strings.ToLower(goal)) {
			if len(word) > 3 && strings.Contains(text, word) {
				score += 0.5
			}
		}
	}
	normalized := score / float64(len(agent.Domains)+len(agent.Goals))
	if normalized > 1.0 {
		normalized = 1.0
	}
	return normalized
}
