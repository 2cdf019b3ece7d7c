package disk

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstorage/basic"
)

// MemoryManager 内存磁盘管理器，测试用
type MemoryManager struct {
	mu       sync.Mutex
	pages    map[basic.PageID][]byte
	pageSize int

	numReads  uint64
	numWrites uint64

	// 注入的写错误，下一次WritePage返回该错误后清除
	nextWriteErr error
}

// NewMemoryManager 创建内存磁盘管理器
func NewMemoryManager(pageSize int) *MemoryManager {
	if pageSize <= 0 {
		pageSize = basic.DefaultPageSize
	}
	return &MemoryManager{
		pages:    make(map[basic.PageID][]byte),
		pageSize: pageSize,
	}
}

// ReadPage 读取一页，未写过的页返回全零页
func (d *MemoryManager) ReadPage(pageID basic.PageID, data []byte) error {
	if pageID < 0 {
		return errors.Annotatef(basic.ErrInvalidPageID, "read page %d", pageID)
	}
	basic.Assert(len(data) == d.pageSize, "read buffer size mismatch")

	d.mu.Lock()
	defer d.mu.Unlock()
	if stored, ok := d.pages[pageID]; ok {
		copy(data, stored)
	} else {
		for i := range data {
			data[i] = 0
		}
	}
	atomic.AddUint64(&d.numReads, 1)
	return nil
}

// WritePage 写入一页
func (d *MemoryManager) WritePage(pageID basic.PageID, data []byte) error {
	if pageID < 0 {
		return errors.Annotatef(basic.ErrInvalidPageID, "write page %d", pageID)
	}
	basic.Assert(len(data) == d.pageSize, "write buffer size mismatch")

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nextWriteErr != nil {
		err := d.nextWriteErr
		d.nextWriteErr = nil
		return errors.Annotatef(err, "write page %d", pageID)
	}
	stored := make([]byte, d.pageSize)
	copy(stored, data)
	d.pages[pageID] = stored
	atomic.AddUint64(&d.numWrites, 1)
	return nil
}

// FailNextWrite 注入一次写失败
func (d *MemoryManager) FailNextWrite(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextWriteErr = err
}

// PageSize 页大小
func (d *MemoryManager) PageSize() int {
	return d.pageSize
}

// Sync 内存实现无需刷盘
func (d *MemoryManager) Sync() error {
	return nil
}

// Close 丢弃所有页
func (d *MemoryManager) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages = make(map[basic.PageID][]byte)
	return nil
}

// NumReads 累计读页次数
func (d *MemoryManager) NumReads() uint64 {
	return atomic.LoadUint64(&d.numReads)
}

// NumWrites 累计写页次数
func (d *MemoryManager) NumWrites() uint64 {
	return atomic.LoadUint64(&d.numWrites)
}
