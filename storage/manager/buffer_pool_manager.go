package manager

import (
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/logger"
	"github.com/zhukovaskychina/xstorage/storage/buffer_pool"
	"github.com/zhukovaskychina/xstorage/storage/disk"
)

// BufferPoolManager 缓冲池管理器。
// 持有定长帧数组、空闲链表与页表，所有页I/O、pin计数和脏页标记都经过它。
// 池级互斥锁保护页表/空闲链表/换出器；页内容由页闩锁保护，只通过guard获取。
type BufferPoolManager struct {
	poolSize int
	pageSize int

	diskManager disk.Manager

	mu         sync.Mutex
	pages      []*buffer_pool.Page
	pageTable  map[basic.PageID]basic.FrameID
	freeList   []basic.FrameID
	replacer   *buffer_pool.LRUKReplacer
	nextPageID basic.PageID

	stats buffer_pool.Stats
}

// NewBufferPoolManager 创建缓冲池
func NewBufferPoolManager(poolSize int, replacerK int, diskManager disk.Manager) *BufferPoolManager {
	basic.Assert(poolSize > 0, "pool size must be positive")
	b := &BufferPoolManager{
		poolSize:    poolSize,
		pageSize:    diskManager.PageSize(),
		diskManager: diskManager,
		pages:       make([]*buffer_pool.Page, poolSize),
		pageTable:   make(map[basic.PageID]basic.FrameID),
		freeList:    make([]basic.FrameID, 0, poolSize),
		replacer:    buffer_pool.NewLRUKReplacer(poolSize, replacerK),
	}
	// 初始时所有帧都在空闲链表中
	for i := 0; i < poolSize; i++ {
		b.pages[i] = buffer_pool.NewPage(b.pageSize)
		b.freeList = append(b.freeList, basic.FrameID(i))
	}
	logger.Infof("BufferPoolManager: pool_size=%d, page_size=%d, replacer_k=%d",
		poolSize, b.pageSize, replacerK)
	return b
}

// PageSize 页大小
func (b *BufferPoolManager) PageSize() int {
	return b.pageSize
}

// Stats 命中统计
func (b *BufferPoolManager) Stats() *buffer_pool.Stats {
	return &b.stats
}

// findFrameLocked 取一个可用帧：空闲链表优先，否则换出一个未被pin的帧。
// 被换出的脏页先写回磁盘。调用方必须持有b.mu
func (b *BufferPoolManager) findFrameLocked() (basic.FrameID, bool) {
	if len(b.freeList) > 0 {
		fid := b.freeList[0]
		b.freeList = b.freeList[1:]
		return fid, true
	}

	fid, ok := b.replacer.Evict()
	if !ok {
		return basic.InvalidFrameID, false
	}
	victim := b.pages[fid]
	if victim.ID() != basic.InvalidPageID {
		if victim.IsDirty() {
			if err := b.diskManager.WritePage(victim.ID(), victim.Data()); err != nil {
				logger.Errorf("BufferPoolManager: 换出页 %d 写回失败: %v", victim.ID(), err)
			}
		}
		delete(b.pageTable, victim.ID())
	}
	victim.ResetMemory()
	return fid, true
}

// newPage 分配新页号并占用一个帧，帧内容清零。无可用帧时返回nil
func (b *BufferPoolManager) newPage() (basic.PageID, *buffer_pool.Page) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fid, ok := b.findFrameLocked()
	if !ok {
		return basic.InvalidPageID, nil
	}

	pageID := b.nextPageID
	b.nextPageID++

	page := b.pages[fid]
	page.SetID(pageID)
	b.pageTable[pageID] = fid
	b.replacer.RecordAccess(fid, buffer_pool.AccessTypeUnknown)
	b.replacer.SetEvictable(fid, false)
	page.IncPinCount()
	return pageID, page
}

// fetchPage 取出一页并pin住。不在池中时从磁盘读入；无可用帧时返回nil
func (b *BufferPoolManager) fetchPage(pageID basic.PageID) *buffer_pool.Page {
	if pageID == basic.InvalidPageID {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if fid, ok := b.pageTable[pageID]; ok {
		b.stats.RecordHit()
		page := b.pages[fid]
		b.replacer.RecordAccess(fid, buffer_pool.AccessTypeUnknown)
		b.replacer.SetEvictable(fid, false)
		page.IncPinCount()
		return page
	}

	b.stats.RecordMiss()
	fid, ok := b.findFrameLocked()
	if !ok {
		return nil
	}

	page := b.pages[fid]
	page.SetID(pageID)
	if err := b.diskManager.ReadPage(pageID, page.Data()); err != nil {
		logger.Errorf("BufferPoolManager: 读取页 %d 失败: %v", pageID, err)
		page.ResetMemory()
		b.freeList = append(b.freeList, fid)
		return nil
	}
	b.pageTable[pageID] = fid
	b.replacer.RecordAccess(fid, buffer_pool.AccessTypeUnknown)
	b.replacer.SetEvictable(fid, false)
	page.IncPinCount()
	return page
}

// UnpinPage 引用计数减一，归零后帧变为可换出。脏标记按位或累积
func (b *BufferPoolManager) UnpinPage(pageID basic.PageID, dirty bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	fid, ok := b.pageTable[pageID]
	if !ok {
		return false
	}
	page := b.pages[fid]
	if page.PinCount() == 0 {
		return false
	}
	page.DecPinCount()
	if page.PinCount() == 0 {
		b.replacer.SetEvictable(fid, true)
	}
	if dirty {
		page.SetDirty(true)
	}
	return true
}

// FlushPage 将页写穿到磁盘并清除脏标记
func (b *BufferPoolManager) FlushPage(pageID basic.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushPageLocked(pageID)
}

func (b *BufferPoolManager) flushPageLocked(pageID basic.PageID) error {
	fid, ok := b.pageTable[pageID]
	if !ok {
		return errors.Annotatef(basic.ErrPageNotFound, "flush page %d", pageID)
	}
	page := b.pages[fid]
	if err := b.diskManager.WritePage(pageID, page.Data()); err != nil {
		return errors.Annotatef(err, "flush page %d", pageID)
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages 刷出池中所有页，返回遇到的第一个错误
func (b *BufferPoolManager) FlushAllPages() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for pageID := range b.pageTable {
		if err := b.flushPageLocked(pageID); err != nil {
			logger.Errorf("BufferPoolManager: 刷出页 %d 失败: %v", pageID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DeletePage 从池中删除一页。被pin住时拒绝并返回false；页不在池中视为成功
func (b *BufferPoolManager) DeletePage(pageID basic.PageID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	fid, ok := b.pageTable[pageID]
	if !ok {
		return true
	}
	page := b.pages[fid]
	if page.PinCount() > 0 {
		return false
	}
	if page.IsDirty() {
		if err := b.diskManager.WritePage(pageID, page.Data()); err != nil {
			logger.Errorf("BufferPoolManager: 删除前写回页 %d 失败: %v", pageID, err)
		}
	}
	b.replacer.Remove(fid)
	delete(b.pageTable, pageID)
	page.ResetMemory()
	b.freeList = append(b.freeList, fid)
	return true
}

// NewPageGuarded 分配新页并返回pin住它的guard
func (b *BufferPoolManager) NewPageGuarded() (basic.PageID, *BasicPageGuard) {
	pageID, page := b.newPage()
	if page == nil {
		return basic.InvalidPageID, nil
	}
	return pageID, &BasicPageGuard{bpm: b, page: page, pageID: pageID}
}

// FetchPageBasic 取页guard，不加页闩锁
func (b *BufferPoolManager) FetchPageBasic(pageID basic.PageID) *BasicPageGuard {
	page := b.fetchPage(pageID)
	if page == nil {
		return nil
	}
	return &BasicPageGuard{bpm: b, page: page, pageID: pageID}
}

// FetchPageRead 取页guard并持有页读闩锁
func (b *BufferPoolManager) FetchPageRead(pageID basic.PageID) *ReadPageGuard {
	page := b.fetchPage(pageID)
	if page == nil {
		return nil
	}
	page.RLatch()
	return &ReadPageGuard{guard: BasicPageGuard{bpm: b, page: page, pageID: pageID}}
}

// FetchPageWrite 取页guard并持有页写闩锁
func (b *BufferPoolManager) FetchPageWrite(pageID basic.PageID) *WritePageGuard {
	page := b.fetchPage(pageID)
	if page == nil {
		return nil
	}
	page.WLatch()
	return &WritePageGuard{guard: BasicPageGuard{bpm: b, page: page, pageID: pageID}}
}
