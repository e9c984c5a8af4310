// Package auth 为写接口提供基于 EIP-191 请求签名的身份认证：调用方用自己的账户
// 私钥对请求签名，服务端恢复出签名地址并放入上下文，处理器据此核对请求中声明的
// 参与方地址。
package auth
