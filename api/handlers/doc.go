// Package handlers 实现 TokenFlow 的 HTTP 处理器。
//
// 包含流的创建（SSE/WebSocket）、查询、取消，
// 以及健康检查与全局指标端点。
package handlers
