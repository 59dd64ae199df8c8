package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/tokenflow/api"
	"github.com/BaSui01/tokenflow/internal/cache"
	"github.com/BaSui01/tokenflow/stream"
	"github.com/BaSui01/tokenflow/transport"
	"github.com/BaSui01/tokenflow/types"
)

// =============================================================================
// 🌊 流接口 Handler
// =============================================================================

// Producer 驱动一条流：向 Handle 推送块与事件，直到流终止或 ctx 取消。
// 实现方负责调用 OnComplete 或 OnError 终止流。
type Producer interface {
	Produce(ctx context.Context, req *api.CreateStreamRequest, h *stream.Handle)
}

// ProducerFunc 将函数适配为 Producer。
type ProducerFunc func(ctx context.Context, req *api.CreateStreamRequest, h *stream.Handle)

func (f ProducerFunc) Produce(ctx context.Context, req *api.CreateStreamRequest, h *stream.Handle) {
	f(ctx, req, h)
}

// SnapshotLoader 提供已终止流的统计快照。nil 时跳过快照查询。
type SnapshotLoader interface {
	Load(ctx context.Context, id string) (*cache.Snapshot, error)
}

// StreamHandler 流接口处理器
type StreamHandler struct {
	manager   *stream.Manager
	producer  Producer
	snapshots SnapshotLoader
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// StreamHandlerOption 配置 StreamHandler。
type StreamHandlerOption func(*StreamHandler)

// WithSnapshots 挂接快照存储，允许查询已终止流的统计。
func WithSnapshots(s SnapshotLoader) StreamHandlerOption {
	return func(h *StreamHandler) { h.snapshots = s }
}

// WithRateLimit 为创建流接口启用令牌桶限速。rps <= 0 表示不限速。
func WithRateLimit(rps float64, burst int) StreamHandlerOption {
	return func(h *StreamHandler) {
		if rps > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewStreamHandler 创建流处理器
func NewStreamHandler(manager *stream.Manager, producer Producer, logger *zap.Logger, opts ...StreamHandlerOption) *StreamHandler {
	h := &StreamHandler{
		manager:  manager,
		producer: producer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleCreate 处理创建流请求，以 SSE 推送直到流终止
// @Summary 创建流
// @Description 创建一条 SSE 流并由生产者驱动直到终止
// @Tags 流
// @Accept json
// @Produce text/event-stream
// @Param request body api.CreateStreamRequest true "创建流请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 409 {object} Response "流已存在"
// @Failure 429 {object} Response "请求过多"
// @Failure 503 {object} Response "容量已满"
// @Router /v1/streams [post]
func (h *StreamHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited,
			"too many stream creations", h.logger)
		return
	}

	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.CreateStreamRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	streamID := req.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	sink, err := transport.NewHTTPSink(w)
	if err != nil {
		h.writeStreamError(w, err)
		return
	}

	handle, err := h.manager.CreateStream(streamID, sink)
	if err != nil {
		h.writeStreamError(w, err)
		return
	}

	h.logger.Info("stream created",
		zap.String("stream_id", streamID),
		zap.String("transport", "sse"),
	)

	h.drive(r.Context(), &req, handle)
}

// HandleCreateWS 处理 WebSocket 流请求，每个事件批作为一条文本消息推送
// @Summary 创建 WebSocket 流
// @Description 升级到 WebSocket 并由生产者驱动直到终止
// @Tags 流
// @Success 101 {string} string "已升级"
// @Failure 503 {object} Response "容量已满"
// @Router /v1/streams/ws [get]
func (h *StreamHandler) HandleCreateWS(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited,
			"too many stream creations", h.logger)
		return
	}

	req := api.CreateStreamRequest{
		StreamID: r.URL.Query().Get("stream_id"),
		Prompt:   r.URL.Query().Get("prompt"),
		Model:    r.URL.Query().Get("model"),
	}
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sink := transport.NewWebSocketSink(r.Context(), conn, h.logger)

	handle, err := h.manager.CreateStream(req.StreamID, sink)
	if err != nil {
		// 升级已完成，错误只能通过关闭帧传达
		conn.Close(websocket.StatusTryAgainLater, string(types.GetErrorCode(err)))
		return
	}

	h.logger.Info("stream created",
		zap.String("stream_id", req.StreamID),
		zap.String("transport", "websocket"),
	)

	h.drive(r.Context(), &req, handle)
}

// drive 在独立 goroutine 中运行生产者，等待其结束或客户端断开。
// 客户端断开时丢弃未冲刷数据并终止流。
func (h *StreamHandler) drive(ctx context.Context, req *api.CreateStreamRequest, handle *stream.Handle) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.producer.Produce(ctx, req, handle)
	}()

	select {
	case <-ctx.Done():
		h.manager.Abandon(handle.ID())
		h.logger.Info("client disconnected, stream abandoned",
			zap.String("stream_id", handle.ID()),
		)
		<-done
	case <-done:
		// 生产者未显式终止时兜底结束
		handle.End()
	}
}

// HandleList 处理列出活跃流请求
// @Summary 列出活跃流
// @Description 返回当前注册表中的所有活跃流
// @Tags 流
// @Produce json
// @Success 200 {object} api.StreamListResponse "流列表"
// @Router /v1/streams [get]
func (h *StreamHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	infos := h.manager.Streams()

	streams := make([]api.StreamInfo, 0, len(infos))
	for _, info := range infos {
		streams = append(streams, api.StreamInfo{
			ID:           info.ID,
			StartTime:    info.StartTime,
			LastActivity: info.LastActivity,
		})
	}

	WriteSuccess(w, api.StreamListResponse{
		Streams: streams,
		Count:   len(streams),
	})
}

// HandleStats 处理流统计查询请求
// @Summary 查询流统计
// @Description 返回活跃流的实时统计，或已终止流的快照
// @Tags 流
// @Produce json
// @Param id path string true "流 ID"
// @Success 200 {object} api.StreamStatsResponse "流统计"
// @Failure 404 {object} Response "流不存在"
// @Router /v1/streams/{id} [get]
func (h *StreamHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	if streamID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"stream id is required", h.logger)
		return
	}

	if stats, ok := h.manager.StreamStats(streamID); ok {
		WriteSuccess(w, api.StreamStatsResponse{
			StreamID: streamID,
			Active:   true,
			Stats:    stats,
		})
		return
	}

	if h.snapshots != nil {
		snap, err := h.snapshots.Load(r.Context(), streamID)
		if err == nil {
			WriteSuccess(w, api.StreamStatsResponse{
				StreamID: streamID,
				Active:   false,
				Reason:   snap.Reason,
				Stats:    snap.Stats,
			})
			return
		}
		if !cache.IsSnapshotMiss(err) {
			h.logger.Warn("snapshot lookup failed",
				zap.String("stream_id", streamID),
				zap.Error(err),
			)
		}
	}

	WriteErrorMessage(w, http.StatusNotFound, types.ErrStreamNotFound,
		"stream not found", h.logger)
}

// HandleCancel 处理取消流请求
// @Summary 取消流
// @Description 终止一条活跃流，已缓冲数据先行冲刷
// @Tags 流
// @Produce json
// @Param id path string true "流 ID"
// @Success 200 {object} Response "已取消"
// @Failure 404 {object} Response "流不存在"
// @Router /v1/streams/{id} [delete]
func (h *StreamHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	if streamID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"stream id is required", h.logger)
		return
	}

	if !h.manager.EndStream(streamID) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrStreamNotFound,
			"stream not found", h.logger)
		return
	}

	WriteSuccess(w, map[string]string{"stream_id": streamID, "status": "cancelled"})
}

// HandleMetrics 处理全局指标查询请求
// @Summary 全局流指标
// @Description 返回聚合器的全局指标快照
// @Tags 流
// @Produce json
// @Success 200 {object} stream.GlobalMetrics "全局指标"
// @Router /v1/streams/metrics [get]
func (h *StreamHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.manager.Metrics())
}

// writeStreamError 将创建流失败转换为统一错误响应。
func (h *StreamHandler) writeStreamError(w http.ResponseWriter, err error) {
	var terr *types.Error
	if !errors.As(err, &terr) {
		terr = types.NewError(types.ErrInternalError, err.Error())
	}
	WriteError(w, terr, h.logger)
}
