// Package events 负责把账本提交后的生命周期事件投递到消息队列。
// 队列实现包括进程内 channel、Redis list 与 RabbitMQ，统一以 JSON 字节作为消息体。
package events
