// Package dispatcher 跟随链上的 PaymentMade 事件，把每个达到确认深度、
// 可关联到支付请求的事件恰好分发一次给任务执行器。
//
// 轮询器负责游标、链重组回滚、关联与停放；处理器是消费队列的有界 worker 池。
// 同一游标只允许一个持有主节点锁的实例运行。
package dispatcher
