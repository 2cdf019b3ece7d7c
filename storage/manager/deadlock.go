package manager

import (
	"sort"
	"time"

	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/logger"
)

// 死锁检测。后台线程按固定间隔在所有等待队列上快照出等待图：
// 未授予请求对同队列中每个已授予请求连一条边。检测期间不持有队列闩锁，
// DFS在快照上进行；发现环后中止环中最年轻（txn id最大）的事务，
// 清掉它的出边与入边，重复直到无环，最后唤醒所有条件变量。

// AddEdge 向等待图加边 t1→t2（t1等待t2）
func (m *LockManager) AddEdge(t1, t2 basic.TxnID) {
	m.waitsForMu.Lock()
	defer m.waitsForMu.Unlock()
	m.addEdgeLocked(t1, t2)
}

func (m *LockManager) addEdgeLocked(t1, t2 basic.TxnID) {
	for _, t := range m.waitsFor[t1] {
		if t == t2 {
			return
		}
	}
	m.waitsFor[t1] = append(m.waitsFor[t1], t2)
}

// RemoveEdge 从等待图删边 t1→t2
func (m *LockManager) RemoveEdge(t1, t2 basic.TxnID) {
	m.waitsForMu.Lock()
	defer m.waitsForMu.Unlock()
	m.removeEdgeLocked(t1, t2)
}

func (m *LockManager) removeEdgeLocked(t1, t2 basic.TxnID) {
	targets, ok := m.waitsFor[t1]
	if !ok {
		return
	}
	for i, t := range targets {
		if t == t2 {
			m.waitsFor[t1] = append(targets[:i], targets[i+1:]...)
			return
		}
	}
}

// GetEdgeList 等待图的边列表，测试用
func (m *LockManager) GetEdgeList() [][2]basic.TxnID {
	m.waitsForMu.Lock()
	defer m.waitsForMu.Unlock()
	var edges [][2]basic.TxnID
	for source, targets := range m.waitsFor {
		for _, target := range targets {
			edges = append(edges, [2]basic.TxnID{source, target})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

// HasCycle 在等待图上找环，返回环中txn id最大的事务。
// 源点与邻接表都按txn id排序，保证遍历确定性
func (m *LockManager) HasCycle() (basic.TxnID, bool) {
	m.waitsForMu.Lock()
	defer m.waitsForMu.Unlock()
	return m.hasCycleLocked()
}

func (m *LockManager) hasCycleLocked() (basic.TxnID, bool) {
	for _, targets := range m.waitsFor {
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	}

	sources := make([]basic.TxnID, 0, len(m.waitsFor))
	for source := range m.waitsFor {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	visited := make(map[basic.TxnID]bool)
	for _, source := range sources {
		if visited[source] {
			continue
		}
		visited[source] = true
		path := []basic.TxnID{source}
		onPath := map[basic.TxnID]bool{source: true}
		if victim, found := m.findCycleLocked(source, &path, onPath, visited); found {
			return victim, true
		}
	}
	return basic.InvalidTxnID, false
}

func (m *LockManager) findCycleLocked(source basic.TxnID, path *[]basic.TxnID,
	onPath map[basic.TxnID]bool, visited map[basic.TxnID]bool) (basic.TxnID, bool) {
	for _, next := range m.waitsFor[source] {
		if onPath[next] {
			// 回边，环为path上next之后的部分
			victim := next
			seen := false
			for _, t := range *path {
				if t == next {
					seen = true
				}
				if seen && t > victim {
					victim = t
				}
			}
			return victim, true
		}
		if visited[next] {
			continue
		}
		visited[next] = true
		onPath[next] = true
		*path = append(*path, next)
		if victim, found := m.findCycleLocked(next, path, onPath, visited); found {
			return victim, true
		}
		*path = (*path)[:len(*path)-1]
		delete(onPath, next)
	}
	return basic.InvalidTxnID, false
}

// collectQueues 快照当前所有队列指针，map闩锁逐个短暂持有
func (m *LockManager) collectQueues() []*LockRequestQueue {
	var queues []*LockRequestQueue
	m.tableLockMapMu.Lock()
	for _, q := range m.tableLockMap {
		queues = append(queues, q)
	}
	m.tableLockMapMu.Unlock()
	for i := range m.rowShards {
		shard := &m.rowShards[i]
		shard.mu.Lock()
		for _, q := range shard.queues {
			queues = append(queues, q)
		}
		shard.mu.Unlock()
	}
	return queues
}

// buildWaitsForGraph 重建等待图：逐队列持闩锁取快照，未授予请求
// 对同队列每个已授予请求连边
func (m *LockManager) buildWaitsForGraph() {
	queues := m.collectQueues()

	m.waitsForMu.Lock()
	defer m.waitsForMu.Unlock()
	m.waitsFor = make(map[basic.TxnID][]basic.TxnID)

	for _, q := range queues {
		q.mu.Lock()
		var granted []basic.TxnID
		for _, r := range q.requests {
			if r.granted {
				granted = append(granted, r.txnID)
			}
		}
		for _, r := range q.requests {
			if r.granted {
				continue
			}
			for _, holder := range granted {
				if holder != r.txnID {
					m.addEdgeLocked(r.txnID, holder)
				}
			}
		}
		q.mu.Unlock()
	}
}

// notifyAllQueues 唤醒所有等待者，让被中止的事务观察到自己的状态
func (m *LockManager) notifyAllQueues() {
	for _, q := range m.collectQueues() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// DetectAndResolve 执行一轮死锁检测，返回是否有事务被中止。
// 后台线程每个tick调用一次，也可在测试中直接驱动
func (m *LockManager) DetectAndResolve() bool {
	m.buildWaitsForGraph()

	aborted := false
	for {
		victim, found := m.HasCycle()
		if !found {
			break
		}
		logger.Infof("LockManager: 检测到死锁, 中止最年轻事务 %d", victim)
		if m.txnManager != nil {
			if txn := m.txnManager.GetTransaction(victim); txn != nil {
				txn.SetState(TxnStateAborted)
			}
		}

		m.waitsForMu.Lock()
		delete(m.waitsFor, victim)
		for source := range m.waitsFor {
			m.removeEdgeLocked(source, victim)
		}
		m.waitsForMu.Unlock()
		aborted = true
	}

	if aborted {
		m.notifyAllQueues()
	}
	return aborted
}

// runCycleDetection 死锁检测循环
func (m *LockManager) runCycleDetection() {
	ticker := time.NewTicker(m.detectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.DetectAndResolve()
		case <-m.stopCh:
			return
		}
	}
}
