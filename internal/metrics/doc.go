// Copyright (c) TokenFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的内部指标收集。
仅供本项目内部使用，不对外导出。

# 核心类型

  - Collector — 流生命周期指标收集器，实现 stream.Collector 接口，
    覆盖流计数、活跃流、块与字节吞吐、冲刷批大小与流时长分布

所有指标注册到调用方注入的 Registerer，多实例可在测试中独立共存，
避免默认注册表的重复注册 panic。
*/
package metrics
