// 版权所有 2024 dbflow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供跨组件共享的底层数据库辅助能力：瞬时错误分类与
连接池统计信息采集。

# 概述

事务协调器与连接监督器都需要判断数据库错误是否值得重试（死锁、
锁等待超时、连接重置、序列化失败），以及读取底层 sql.DB 的连接池
运行指标。本包集中这两类与具体业务无关的能力，避免重复实现。

# 核心能力

  - IsRetryable：跨多种数据库厂商错误词汇表的瞬时错误分类。
  - CollectStats：返回结构化的连接池运行指标（PoolStats）。
  - Saturated：判断连接池是否已饱和，用于句柄验证。
*/
package database
