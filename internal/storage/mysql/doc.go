// Package mysql 提供基于 MySQL 的托管任务存储实现。
// 它负责连接池配置、嵌入式迁移的执行，以及任务快照的整行 upsert 与全量恢复。
package mysql
