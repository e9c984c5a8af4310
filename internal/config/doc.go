// Package config 负责加载托管服务的启动配置，支持 YAML 与 JSON 两种格式，
// 并为未填写的字段补齐默认值。
package config
