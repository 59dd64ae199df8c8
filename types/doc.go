// Copyright (c) TokenFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 TokenFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 stream、transport、api
等上层模块提供统一的类型契约。跨包共享的事件类型、错误码与分发策略
均定义于此，以避免循环依赖。

# 核心类型

  - EventType         — 流事件类型枚举（chunk / status / interactive / chatId / error / complete / end）
  - StreamEvent       — 单条流事件（类型 + 负载 + 时间戳 + 字节大小）
  - StatusUpdate      — 状态变更事件负载
  - Delivery          — 事件分发策略的二元变体（DeliverImmediate / DeliverBuffered）
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable 标记与 Cause 链

# 主要能力

  - 事件分发：EventType.Delivery() 对事件类型做穷举匹配，消除
    新增事件类型静默落入错误路径的风险
  - 错误工具链：NewError / WithCause / WithHTTPStatus / IsRetryable / GetErrorCode
*/
package types
