// =============================================================================
// DBFlow 主入口
// =============================================================================
// 多租户数据库连接编排服务入口，包含运维端点与迁移命令
//
// 使用方法:
//
//	dbflow serve                        # 启动编排服务
//	dbflow serve --config dbflow.yaml   # 指定配置文件
//	dbflow migrate up --app billing     # 运行某应用的数据库迁移
//	dbflow migrate down --app billing   # 回滚最后一次迁移
//	dbflow health                       # 健康检查
//	dbflow version                      # 显示版本信息
// =============================================================================
package main
