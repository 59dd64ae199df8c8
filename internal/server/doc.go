// Copyright (c) TokenFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP 服务器生命周期管理。
仅供本项目内部使用，不对外导出。

# 核心类型

  - Server — 非阻塞启动、优雅关闭的 HTTP 服务器封装，
    面向长连接 SSE 场景（写超时默认关闭，由流注册表的
    过期扫描负责连接寿命）

同一封装同时用于 API 服务与 Prometheus 指标服务。
*/
package server
