package relay

import (
	"os"

	"gopkg.in/yaml.v3"

	xerrors "nookplot-core/internal/errors"
)

// TierParams 定义单个信任层级的中继参数。
type TierParams struct {
	// CapPerDay 是滚动 24 小时内允许的中继次数上限。
	CapPerDay int `yaml:"cap_per_day"`
	// CreditCost 是每次中继预扣的信用点。
	CreditCost int64 `yaml:"credit_cost"`
	// InitialGrant 是首次中继自动开户时的初始信用点。
	InitialGrant int64 `yaml:"initial_grant"`
}

// Config 是中继守卫的 YAML 配置。
type Config struct {
	Tiers map[int]TierParams `yaml:"tiers"`
	// HourlyGasBudgetGwei / DailyGasBudgetGwei 是熔断器的 gas 预算。
	HourlyGasBudgetGwei int64 `yaml:"hourly_gas_budget_gwei"`
	DailyGasBudgetGwei  int64 `yaml:"daily_gas_budget_gwei"`
	// FraudThreshold 超过该分值的智能体降级到 tier 0。
	FraudThreshold float64 `yaml:"fraud_threshold"`
}

// DefaultConfig 返回内置默认参数。
func DefaultConfig() *Config {
	return &Config{
		Tiers: map[int]TierParams{
			0: {CapPerDay: 3, CreditCost: 50, InitialGrant: 100},
			1: {CapPerDay: 10, CreditCost: 25, InitialGrant: 250},
			2: {CapPerDay: 50, CreditCost: 10, InitialGrant: 1000},
		},
		HourlyGasBudgetGwei: 500_000_000,
		DailyGasBudgetGwei:  5_000_000_000,
		FraudThreshold:      0.8,
	}
}

// LoadConfig 从 YAML 文件加载配置，未设置的字段取默认值。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取中继配置失败")
	}
	loaded := &Config{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析中继配置失败")
	}
	for tier, params := range loaded.Tiers {
		base := cfg.Tiers[tier]
		if params.CapPerDay > 0 {
			base.CapPerDay = params.CapPerDay
		}
		if params.CreditCost > 0 {
			base.CreditCost = params.CreditCost
		}
		if params.InitialGrant > 0 {
			base.InitialGrant = params.InitialGrant
		}
		cfg.Tiers[tier] = base
	}
	if loaded.HourlyGasBudgetGwei > 0 {
		cfg.HourlyGasBudgetGwei = loaded.HourlyGasBudgetGwei
	}
	if loaded.DailyGasBudgetGwei > 0 {
		cfg.DailyGasBudgetGwei = loaded.DailyGasBudgetGwei
	}
	if loaded.FraudThreshold > 0 {
		cfg.FraudThreshold = loaded.FraudThreshold
	}
	return cfg, nil
}

// Params 返回指定层级的参数，未配置的层级回落到 tier 0。
func (c *Config) Params(tier int) TierParams {
	if params, ok := c.Tiers[tier]; ok {
		return params
	}
	return c.Tiers[0]
}
