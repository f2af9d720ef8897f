// Package trade 管理交易生命周期与结算编排。交易沿
// pending → funded → settled/failed 推进，失败后只能走 failed → compensated
// 的补偿路径。结算回执是幂等的事实来源：同一交易无论被触发多少次结算，
// 资金至多移动一次。
package trade
