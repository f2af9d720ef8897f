// Package session 管理智能体会话：认证时签发并验证 DID、创建托管钱包，
// 之后通过会话提交提案、查询交易并保留决策日志。
package session
