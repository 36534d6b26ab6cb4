// Package config 负责在启动阶段加载并校验守护进程的 JSON 配置，
// 未填写的字段通过 applyDefaults 填入合理默认值。
// 中继层级与链端点的细粒度定义放在独立的 YAML 文件中，
// 由 internal/relay 与 internal/web3 各自加载。
package config
