// Package submitter 负责支付一侧：保存支付请求，签名并广播携带关联 ID 的
// payAgent 交易。提交是异步的，确认与任务执行交给 dispatcher。
package submitter
