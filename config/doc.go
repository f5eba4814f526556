// Package config 提供 TaskMesh 协调器的配置管理功能。
//
// 包含配置加载与校验。
// 支持从 YAML 文件和环境变量加载配置，
// 优先级为 默认值 → 文件 → 环境变量。
package config
