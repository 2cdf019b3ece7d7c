package buffer_pool

import (
	"container/heap"
	"sync"

	"github.com/zhukovaskychina/xstorage/basic"
)

// AccessType 页访问类型。RecordAccess接收该参数，但换出顺序不受其影响
type AccessType int

const (
	AccessTypeUnknown AccessType = iota
	AccessTypeLookup
	AccessTypeScan
	AccessTypeIndex
)

// lruKNode 单个帧的访问历史。
// history按时间递增，最多保留k条；不足k条时后向K距离视为无穷大。
// 无论哪种情况，history[0]都是比较用的时间戳：
// 不足k条时它是首次访问时间，满k条时它是第K近一次访问时间。
type lruKNode struct {
	fid       basic.FrameID
	k         int
	history   []uint64
	evictable bool
	heapIdx   int
}

func (n *lruKNode) access(ts uint64) {
	n.history = append(n.history, ts)
	if len(n.history) > n.k {
		n.history = n.history[1:]
	}
}

func (n *lruKNode) infinite() bool {
	return len(n.history) < n.k
}

// betterVictim 判断a是否比b更应该被换出
func betterVictim(a, b *lruKNode) bool {
	if a.infinite() != b.infinite() {
		return a.infinite()
	}
	return a.history[0] < b.history[0]
}

// victimHeap 以换出优先级为序的大顶堆，堆顶是最该换出的帧
type victimHeap []*lruKNode

func (h victimHeap) Len() int { return len(h) }

func (h victimHeap) Less(i, j int) bool { return betterVictim(h[i], h[j]) }

func (h victimHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *victimHeap) Push(x interface{}) {
	n := x.(*lruKNode)
	n.heapIdx = len(*h)
	*h = append(*h, n)
}

func (h *victimHeap) Pop() interface{} {
	old := *h
	n := old[len(old)-1]
	old[len(old)-1] = nil
	n.heapIdx = -1
	*h = old[:len(old)-1]
	return n
}

// LRUKReplacer LRU-K换出器。
// 换出后向K距离最大的可换出帧：访问不足K次的帧距离视为无穷大，
// 优先于任何满K次的帧被换出；无穷组内按首次访问时间最早者优先，
// 有限组内按第K近访问时间最早者优先。
type LRUKReplacer struct {
	mu        sync.Mutex
	numFrames int
	k         int
	currTime  uint64
	nodeStore map[basic.FrameID]*lruKNode
	victims   victimHeap
}

// NewLRUKReplacer 创建换出器，numFrames为帧总数上限
func NewLRUKReplacer(numFrames int, k int) *LRUKReplacer {
	basic.Assert(k >= 1, "replacer k must be >= 1")
	return &LRUKReplacer{
		numFrames: numFrames,
		k:         k,
		nodeStore: make(map[basic.FrameID]*lruKNode),
		victims:   make(victimHeap, 0, numFrames),
	}
}

// RecordAccess 记录一次帧访问
func (r *LRUKReplacer) RecordAccess(fid basic.FrameID, accessType AccessType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	basic.Assert(int(fid) >= 0 && int(fid) < r.numFrames, "frame id out of range")

	node, ok := r.nodeStore[fid]
	if !ok {
		node = &lruKNode{fid: fid, k: r.k, heapIdx: -1}
		r.nodeStore[fid] = node
	}
	node.access(r.nextTime())
	if node.evictable {
		heap.Fix(&r.victims, node.heapIdx)
	}
}

// SetEvictable 标记帧是否可换出。pin计数归零时标记为true，被pin时为false
func (r *LRUKReplacer) SetEvictable(fid basic.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	basic.Assert(int(fid) >= 0 && int(fid) < r.numFrames, "frame id out of range")

	node, ok := r.nodeStore[fid]
	if !ok {
		return
	}
	if evictable == node.evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		heap.Push(&r.victims, node)
	} else {
		heap.Remove(&r.victims, node.heapIdx)
	}
}

// Evict 换出后向K距离最大的可换出帧，没有可换出帧时返回false
func (r *LRUKReplacer) Evict() (basic.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.victims) == 0 {
		return basic.InvalidFrameID, false
	}
	node := heap.Pop(&r.victims).(*lruKNode)
	delete(r.nodeStore, node.fid)
	return node.fid, true
}

// Remove 移除帧的访问历史，帧必须处于可换出状态
func (r *LRUKReplacer) Remove(fid basic.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodeStore[fid]
	if !ok {
		return
	}
	basic.Assert(node.evictable, "remove a non-evictable frame")
	heap.Remove(&r.victims, node.heapIdx)
	delete(r.nodeStore, fid)
}

// Size 当前可换出帧数
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.victims)
}

func (r *LRUKReplacer) nextTime() uint64 {
	r.currTime++
	return r.currTime
}
