/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、Oracle、委派、协商、冲突、Agent、缓存与数据库等维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - Oracle 指标：请求总数、请求耗时、静默回退计数，按 operation 分组。
  - 委派指标：委派总数与耗时（simple/composite）、重派结果计数。
  - 协商指标：协商总数与往返耗时，按结果（accepted/refused/timeout）分组。
  - 冲突指标：检测计数（type/severity）、解决尝试计数（strategy/outcome）。
  - Agent 指标：按状态分组的 Agent 数量 Gauge、状态转换计数。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
