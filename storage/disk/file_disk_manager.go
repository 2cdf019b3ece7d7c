package disk

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/logger"
)

// FileManager 单数据文件磁盘管理器
type FileManager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int

	numReads  uint64
	numWrites uint64
}

// NewFileManager 打开（或创建）数据文件
func NewFileManager(path string, pageSize int) (*FileManager, error) {
	if pageSize <= 0 {
		pageSize = basic.DefaultPageSize
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotatef(err, "create data dir %s", dir)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "open data file %s", path)
	}
	logger.Infof("FileManager: 打开数据文件 %s, page_size=%d", path, pageSize)
	return &FileManager{file: f, path: path, pageSize: pageSize}, nil
}

// ReadPage 读取一页。文件末尾之外的页返回全零页
func (d *FileManager) ReadPage(pageID basic.PageID, data []byte) error {
	if pageID < 0 {
		return errors.Annotatef(basic.ErrInvalidPageID, "read page %d", pageID)
	}
	basic.Assert(len(data) == d.pageSize, "read buffer size mismatch")

	d.mu.Lock()
	defer d.mu.Unlock()

	offset := int64(pageID) * int64(d.pageSize)
	n, err := d.file.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return errors.Annotatef(err, "read page %d from %s", pageID, d.path)
	}
	// 新分配的页尚未落盘，把未读到的尾部补零
	for i := n; i < d.pageSize; i++ {
		data[i] = 0
	}
	atomic.AddUint64(&d.numReads, 1)
	return nil
}

// WritePage 将data写入一页
func (d *FileManager) WritePage(pageID basic.PageID, data []byte) error {
	if pageID < 0 {
		return errors.Annotatef(basic.ErrInvalidPageID, "write page %d", pageID)
	}
	basic.Assert(len(data) == d.pageSize, "write buffer size mismatch")

	d.mu.Lock()
	defer d.mu.Unlock()

	offset := int64(pageID) * int64(d.pageSize)
	if _, err := d.file.WriteAt(data, offset); err != nil {
		return errors.Annotatef(err, "write page %d to %s", pageID, d.path)
	}
	atomic.AddUint64(&d.numWrites, 1)
	return nil
}

// PageSize 页大小
func (d *FileManager) PageSize() int {
	return d.pageSize
}

// Sync 刷盘
func (d *FileManager) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		return errors.Annotatef(err, "sync %s", d.path)
	}
	return nil
}

// Close 刷盘并关闭数据文件
func (d *FileManager) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		logger.Errorf("FileManager: 关闭前刷盘失败: %v", err)
	}
	return errors.Trace(d.file.Close())
}

// NumReads 累计读页次数
func (d *FileManager) NumReads() uint64 {
	return atomic.LoadUint64(&d.numReads)
}

// NumWrites 累计写页次数
func (d *FileManager) NumWrites() uint64 {
	return atomic.LoadUint64(&d.numWrites)
}
