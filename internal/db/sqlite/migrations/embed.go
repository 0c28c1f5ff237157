// Package migrations 内嵌 SQLite 建表脚本
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
