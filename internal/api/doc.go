// Package api 暴露 REST 接口：提交支付、查询支付请求与分发记录、人工关联停放事件、
// 统计与健康检查。写接口经 auth 中间件鉴权。
package api
