package manager

import (
	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/storage/buffer_pool"
)

// BasicPageGuard 作用域内保持页被pin住的独占句柄。
// Drop恰好unpin一次，重复Drop是空操作；通过DataMut写过的guard
// 在Drop时把脏标记带给缓冲池。guard通过指针传递转移所有权，不可复制
type BasicPageGuard struct {
	bpm     *BufferPoolManager
	page    *buffer_pool.Page
	pageID  basic.PageID
	dirty   bool
	dropped bool
}

// PageID guard守护的页号
func (g *BasicPageGuard) PageID() basic.PageID {
	return g.pageID
}

// Data 只读页内容
func (g *BasicPageGuard) Data() []byte {
	basic.Assert(!g.dropped, "access dropped page guard")
	return g.page.Data()
}

// DataMut 可写页内容，guard记为脏
func (g *BasicPageGuard) DataMut() []byte {
	basic.Assert(!g.dropped, "access dropped page guard")
	g.dirty = true
	return g.page.Data()
}

// Drop 释放guard：unpin页。重复调用是空操作
func (g *BasicPageGuard) Drop() {
	if g == nil || g.dropped {
		return
	}
	g.dropped = true
	g.bpm.UnpinPage(g.pageID, g.dirty)
}

// ReadPageGuard 持有页读闩锁的guard
type ReadPageGuard struct {
	guard BasicPageGuard
}

// PageID guard守护的页号
func (g *ReadPageGuard) PageID() basic.PageID {
	return g.guard.pageID
}

// Data 只读页内容
func (g *ReadPageGuard) Data() []byte {
	basic.Assert(!g.guard.dropped, "access dropped page guard")
	return g.guard.page.Data()
}

// Drop 释放读闩锁并unpin。重复调用是空操作
func (g *ReadPageGuard) Drop() {
	if g == nil || g.guard.dropped {
		return
	}
	g.guard.page.RUnlatch()
	g.guard.Drop()
}

// WritePageGuard 持有页写闩锁的guard
type WritePageGuard struct {
	guard BasicPageGuard
}

// PageID guard守护的页号
func (g *WritePageGuard) PageID() basic.PageID {
	return g.guard.pageID
}

// Data 只读页内容
func (g *WritePageGuard) Data() []byte {
	basic.Assert(!g.guard.dropped, "access dropped page guard")
	return g.guard.page.Data()
}

// DataMut 可写页内容，guard记为脏
func (g *WritePageGuard) DataMut() []byte {
	return g.guard.DataMut()
}

// Drop 释放写闩锁并unpin。重复调用是空操作
func (g *WritePageGuard) Drop() {
	if g == nil || g.guard.dropped {
		return
	}
	g.guard.page.WUnlatch()
	g.guard.Drop()
}
