// Copyright (c) TokenFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的流快照存储。
仅供本项目内部使用，不对外导出。

# 核心类型

  - SnapshotStore — 流终止后保留最终统计快照，按 TTL 过期，
    供查询接口在流已从注册表移除后继续应答

快照以 JSON 存储，键前缀为 tokenflow:snapshot:。
*/
package cache
