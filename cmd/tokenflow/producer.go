package main

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/api"
	"github.com/BaSui01/tokenflow/api/handlers"
	"github.com/BaSui01/tokenflow/stream"
	"github.com/BaSui01/tokenflow/types"
)

// echoProducer 是内置的回显生产者：将 prompt 逐词推送，
// 用于无上游接入时的端到端验证。接入真实上游时以自定义
// Producer 替换 NewServer 中的装配。
type echoProducer struct {
	logger *zap.Logger

	// 词间延迟，模拟逐 token 生成节奏
	tokenDelay time.Duration
}

func newEchoProducer(logger *zap.Logger) handlers.Producer {
	return &echoProducer{
		logger:     logger.With(zap.String("component", "echo_producer")),
		tokenDelay: 20 * time.Millisecond,
	}
}

// Produce 推送 prompt 的每个词，期间响应取消，最后以 complete 收尾。
func (p *echoProducer) Produce(ctx context.Context, req *api.CreateStreamRequest, h *stream.Handle) {
	words := strings.Fields(req.Prompt)
	if len(words) == 0 {
		h.OnStatus(types.StatusUpdate{Type: types.EventComplete, Message: "nothing to echo"})
		return
	}

	h.OnEvent(types.EventChatID, h.ID())

	for i, word := range words {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.tokenDelay):
		}

		if i > 0 {
			word = " " + word
		}
		h.OnChunk(word)
	}

	h.OnComplete()
}
