package disk

import (
	"github.com/zhukovaskychina/xstorage/basic"
)

// Manager 磁盘管理器接口。按 pageID*PageSize 同步读写定长页。
// 所有页I/O都经过缓冲池，上层不直接调用。
type Manager interface {
	// ReadPage 读取一页到data，data长度必须等于PageSize。
	// 读取文件末尾之外的页时返回全零页而不是错误
	ReadPage(pageID basic.PageID, data []byte) error

	// WritePage 将data写入一页
	WritePage(pageID basic.PageID, data []byte) error

	// PageSize 页大小（字节）
	PageSize() int

	// Sync 将已写数据刷到持久存储
	Sync() error

	// Close 关闭底层存储
	Close() error

	// NumReads 累计读页次数
	NumReads() uint64

	// NumWrites 累计写页次数
	NumWrites() uint64
}
