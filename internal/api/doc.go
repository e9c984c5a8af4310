// Package api 通过 REST 接口暴露托管账本：创建任务、提交动作、查询任务与时间线。
// 调用方身份取自请求体中的 caller 字段，鉴权由前置网关负责。
package api
