/*
包 server 为运维端点提供 HTTP 服务器生命周期管理：非阻塞启动、
优雅关闭与系统信号监听。

Manager 封装 net/http.Server，统一处理监听、服务与错误传播。
健康查询与指标暴露端点都经由它挂载。
*/
package server
