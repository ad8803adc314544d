package store

import "time"

// Config 存储配置
type Config struct {
	Driver           string        // memory / sqlite / mongo
	Path             string        // sqlite 文件或内存快照文件
	SnapshotInterval time.Duration // 内存存储快照间隔
	URI              string        // mongo 连接串
	Database         string        // mongo 数据库名
}
