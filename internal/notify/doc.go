// Package notify 消费账本发布的生命周期事件，把它们转换为面向任务参与方的通知，
// 并通过 webhook 与日志等渠道扇出。罚没质押与投递失败会额外触发运维告警。
package notify
