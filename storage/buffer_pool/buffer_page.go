package buffer_pool

import (
	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/latch"
)

// Page 缓冲池中的一页。
// id/pinCount/dirty 只在持有池级互斥锁时修改；
// 页内容由独立的页闩锁保护，只通过guard获取。
type Page struct {
	latch *latch.Latch

	id       basic.PageID
	pinCount int
	dirty    bool
	data     []byte
}

// NewPage 分配一个空帧页
func NewPage(pageSize int) *Page {
	return &Page{
		latch: latch.NewLatch(),
		id:    basic.InvalidPageID,
		data:  make([]byte, pageSize),
	}
}

// ID 当前驻留的页号
func (p *Page) ID() basic.PageID {
	return p.id
}

// SetID 设置页号，仅缓冲池调用
func (p *Page) SetID(id basic.PageID) {
	p.id = id
}

// PinCount 引用计数
func (p *Page) PinCount() int {
	return p.pinCount
}

// IncPinCount 引用计数加一，仅缓冲池调用
func (p *Page) IncPinCount() {
	p.pinCount++
}

// DecPinCount 引用计数减一，仅缓冲池调用
func (p *Page) DecPinCount() {
	basic.Assert(p.pinCount > 0, "unpin page with zero pin count")
	p.pinCount--
}

// IsDirty 脏页标记
func (p *Page) IsDirty() bool {
	return p.dirty
}

// SetDirty 设置脏页标记，仅缓冲池调用
func (p *Page) SetDirty(dirty bool) {
	p.dirty = dirty
}

// Data 页内容缓冲区
func (p *Page) Data() []byte {
	return p.data
}

// ResetMemory 清空页内容并复位元数据，帧被复用前调用
func (p *Page) ResetMemory() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.id = basic.InvalidPageID
	p.pinCount = 0
	p.dirty = false
}

// RLatch 获取页读闩锁
func (p *Page) RLatch() {
	p.latch.RLock()
}

// RUnlatch 释放页读闩锁
func (p *Page) RUnlatch() {
	p.latch.RUnlock()
}

// WLatch 获取页写闩锁
func (p *Page) WLatch() {
	p.latch.Lock()
}

// WUnlatch 释放页写闩锁
func (p *Page) WUnlatch() {
	p.latch.Unlock()
}
