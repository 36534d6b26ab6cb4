package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nookplot.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.MetricsAddress != ":9090" {
		t.Errorf("metrics 地址默认值错误: %s", cfg.Server.MetricsAddress)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Errorf("驱动默认值错误: storage=%s queue=%s", cfg.Storage.Driver, cfg.Queue.Driver)
	}
	if cfg.Executor.TickSeconds != 15 || cfg.Executor.BatchSize != 10 {
		t.Errorf("执行器默认值错误: %+v", cfg.Executor)
	}
	if cfg.Decision.CycleBudget != 5000 {
		t.Errorf("决策预算默认值错误: %d", cfg.Decision.CycleBudget)
	}
	if cfg.LLM.ReserveCredits != 100 || cfg.LLM.ScoringPerMinute != 30 {
		t.Errorf("模型层默认值错误: %+v", cfg.LLM)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Errorf("数据目录默认值错误: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadJoinsRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nookplot.json")
	content := `{
  "relay": {"tier_config": "relay_tiers.yaml"},
  "web3": {"chain_config": "chains.yaml"},
  "runtime": {"data_dir": "state"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Relay.TierConfig != filepath.Join(dir, "relay_tiers.yaml") {
		t.Errorf("tier_config 未按配置目录拼接: %s", cfg.Relay.TierConfig)
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Errorf("chain_config 未按配置目录拼接: %s", cfg.Web3.ChainConfig)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "state") {
		t.Errorf("data_dir 未按配置目录拼接: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("缺失的配置文件应当报错")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应当报错")
	}
}

func TestLoadParsesTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nookplot.json")
	content := `{
  "tools": [
    {"name": "publish_post", "base_cost": 25, "max_per_hour": 5, "opportunity": "bounty"},
    {"name": "transfer_funds", "base_cost": 10, "supervised": true}
  ]
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Tools) != 2 {
		t.Fatalf("工具数量错误: %d", len(cfg.Tools))
	}
	if cfg.Tools[0].Name != "publish_post" || cfg.Tools[0].Opportunity != "bounty" {
		t.Errorf("第一个工具解析错误: %+v", cfg.Tools[0])
	}
	if !cfg.Tools[1].Supervised {
		t.Error("supervised 标记未解析")
	}
}
