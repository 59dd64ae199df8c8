// Package api 定义 TokenFlow HTTP API 的请求与响应结构。
//
// 具体的 HTTP 处理逻辑位于 api/handlers 子包。
package api
