// Copyright (c) TokenFlow Authors.
// Licensed under the MIT License.

/*
包 transport 提供 stream.Sink 的具体实现，将已编码的事件帧写入
不同类型的底层连接。

# 核心类型

  - HTTPSink      — 基于 http.ResponseWriter 的 SSE 写端，每次写后
    立即 Flush，响应头在首个事件前一次性写出
  - WebSocketSink — 将同样的事件帧作为文本消息经 WebSocket 发送，
    适用于不支持 SSE 的客户端

两者均满足 stream.Sink 的最小契约（写头 + 写 + 幂等关闭），对端断开
后的写入返回错误但不会 panic。
*/
package transport
