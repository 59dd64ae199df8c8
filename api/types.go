package api

import (
	"time"

	"github.com/BaSui01/tokenflow/stream"
)

// =============================================================================
// 流创建类型
// =============================================================================

// CreateStreamRequest 表示创建流的请求。
// @Description 创建流请求结构
type CreateStreamRequest struct {
	// 客户端指定的流 ID（可选，缺省时服务端生成 UUID）
	StreamID string `json:"stream_id,omitempty" example:"stream-123"`
	// 驱动生产者的输入文本
	Prompt string `json:"prompt,omitempty" example:"Tell me a story"`
	// 型号名称（透传给生产者）
	Model string `json:"model,omitempty" example:"gpt-4"`
	// 自定义元数据
	Metadata map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// 流查询类型
// =============================================================================

// StreamInfo 表示一条活跃流的概要。
// @Description 流概要结构
type StreamInfo struct {
	// 流 ID
	ID string `json:"id" example:"stream-123"`
	// 流开始时间
	StartTime time.Time `json:"start_time"`
	// 最近一次事件时间
	LastActivity time.Time `json:"last_activity"`
}

// StreamListResponse 表示活跃流列表。
// @Description 流列表响应
type StreamListResponse struct {
	// 活跃流
	Streams []StreamInfo `json:"streams"`
	// 活跃流数量
	Count int `json:"count" example:"3"`
}

// StreamStatsResponse 表示单条流的统计信息。
// @Description 流统计响应
type StreamStatsResponse struct {
	// 流 ID
	StreamID string `json:"stream_id" example:"stream-123"`
	// 流是否仍然活跃
	Active bool `json:"active" example:"true"`
	// 终止原因（仅已终止的流）
	Reason string `json:"reason,omitempty" example:"completed"`
	// 统计快照
	Stats stream.Stats `json:"stats"`
}
