// Package config 加载和校验 DBFlow 的运行配置。
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量。
// 每个应用条目继承 defaults 块，自身字段覆盖继承值。
package config
