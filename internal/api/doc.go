// Package api 暴露交易系统的 REST 接口：智能体认证、提案协商、
// 交易查询与结算触发。
package api
