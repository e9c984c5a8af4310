// Package storage 汇集各关系型后端共享的部分：任务行的编解码与嵌入式迁移执行器。
// 具体的驱动实现位于 mysql 与 sqlite 子包。
package storage
