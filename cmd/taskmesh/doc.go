// Copyright (c) TaskMesh Authors.
// Licensed under the MIT License.

/*
Package main 提供 TaskMesh 服务端程序入口。

# 概述

cmd/taskmesh 是 TaskMesh 协调器的可执行入口，提供 HTTP API 服务、
数据库表结构迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件
加载、结构化日志（zap）、Prometheus 指标采集以及 OpenTelemetry 追踪。

# 核心类型

  - Server           — 主服务器，装配协调器组件并管理 HTTP、Metrics 双端口
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（同步表结构）、version、health
  - 组件装配：目录、消息总线（Redis 或进程内通道）、委派器、
    冲突解决器、负载核算、可选 Oracle 客户端
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、RateLimiter（基于 IP）
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止后台 goroutine → 关闭 HTTP → 关闭 Metrics
    → 关闭存储与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
