package database

import (
	"context"
	"errors"
	"strings"
)

// IsRetryable 判断错误是否为瞬时数据库错误（值得重试）。
// 匹配多种数据库厂商的错误词汇表。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// 死锁（MySQL 1213, Postgres 40P01）
	if strings.Contains(errMsg, "deadlock") || strings.Contains(errMsg, "40p01") {
		return true
	}

	// 序列化失败（PostgreSQL SQLSTATE 40001）
	if strings.Contains(errMsg, "serialization failure") ||
		strings.Contains(errMsg, "could not serialize") ||
		strings.Contains(errMsg, "40001") {
		return true
	}

	// 连接相关错误
	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "i/o timeout") {
		return true
	}

	// 锁超时（MySQL 1205, SQLite busy/locked）
	if strings.Contains(errMsg, "lock timeout") ||
		strings.Contains(errMsg, "lock wait timeout") ||
		strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "database table is locked") {
		return true
	}

	// driver: bad connection（Go database/sql 标准错误）
	if strings.Contains(errMsg, "bad connection") {
		return true
	}

	return false
}
