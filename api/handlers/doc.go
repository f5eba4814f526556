// Copyright (c) TaskMesh Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 TaskMesh HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 TaskMesh 所有 HTTP 端点的请求处理逻辑，
包括任务委派、Agent 目录、冲突解决、消息历史以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - TaskHandler      — 任务提交、查询、进度、完成与重新指派
  - AgentHandler     — Agent 注册、心跳、注销与能力统计
  - ConflictHandler  — 冲突查询与按策略解决
  - MessageHandler   — 协商消息历史与未读计数
  - SystemHandler    — 负载统计与顾问式再平衡
  - HealthHandler    — 服务健康检查（/health, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（PingCheck 适配 Database、Redis）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 任务生命周期：提交即委派，失败可重新指派，复合任务逐阶段推进
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
