// Package server 提供 HTTP 服务器生命周期管理。
//
// Manager 封装 net/http.Server 的启动、优雅关闭与信号处理，
// HTTP API 与 Metrics 服务共用同一套管理逻辑。
package server
