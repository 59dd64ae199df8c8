// Copyright (c) TokenFlow Authors.
// Licensed under the MIT License.

/*
包 stream 实现面向多并发客户端的服务端流式响应多路复用核心，
包括事件编码、写合并缓冲、流注册表与全局指标聚合。

# 概述

LLM 的流式响应以高频小块（token）的形式增量到达。若每个 token 都
触发一次底层写操作，单连接的写放大和系统调用开销会随并发数线性恶化。
本包围绕三个核心问题提供实现：

  - 写合并：将大量小片段按 大小/时长/数量 三重阈值合并为少量大写。
  - 资源上限：全局并发流数量受注册表准入控制，超限创建立即失败。
  - 确定性生命周期：完成、错误、超时、管理取消共享同一条幂等的
    终止路径，定时器句柄在所有路径上显式取消，杜绝泄漏。

# 核心类型

  - Encode        — 将 StreamEvent 编码为 SSE 线格式（event/data 记录）
  - Buffer        — 单流写合并队列，带待定冲刷定时器
  - Manager       — 流注册表与生命周期管理器（可注入多实例）
  - Handle        — 单条流的调用方入口（OnChunk/OnStatus/OnEvent/OnError/OnComplete/End）
  - Stats         — 单流统计（块数、字节数、均块大小、吞吐、错误数）
  - Aggregator    — 全局指数滑动平均指标（延迟/吞吐/错误率/内存）
  - Sink          — 底层连接写端的最小抽象（写头 + 写 + 关闭）

# 排序保证

单条流内输出严格保持 OnChunk/OnEvent 的调用顺序：缓冲队列为 FIFO，
关键事件写出前强制冲刷其前所有已入队数据。不同流之间相互独立，
互不阻塞，无跨流顺序约束。
*/
package stream
