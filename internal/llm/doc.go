// Package llm 定义与大模型交互的统一抽象。
// 治理核心只在对齐度打分时调用模型，具体供应商实现位于子包。
package llm
