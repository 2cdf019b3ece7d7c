package manager

import (
	"sync"

	"github.com/zhukovaskychina/xstorage/basic"
)

// LockMode 锁模式。表锁支持全部五种，行锁只支持S/X
type LockMode int

const (
	LockModeIntentionShared LockMode = iota
	LockModeIntentionExclusive
	LockModeShared
	LockModeSharedIntentionExclusive
	LockModeExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockModeIntentionShared:
		return "IS"
	case LockModeIntentionExclusive:
		return "IX"
	case LockModeShared:
		return "S"
	case LockModeSharedIntentionExclusive:
		return "SIX"
	case LockModeExclusive:
		return "X"
	default:
		return "UNKNOWN"
	}
}

// areLocksCompatible 兼容矩阵
//
//	    IS  IX  S   SIX X
//	IS  ✓   ✓   ✓   ✓   ✗
//	IX  ✓   ✓   ✗   ✗   ✗
//	S   ✓   ✗   ✓   ✗   ✗
//	SIX ✓   ✗   ✗   ✗   ✗
//	X   ✗   ✗   ✗   ✗   ✗
func areLocksCompatible(l1, l2 LockMode) bool {
	switch l1 {
	case LockModeIntentionShared:
		return l2 != LockModeExclusive
	case LockModeIntentionExclusive:
		return l2 == LockModeIntentionShared || l2 == LockModeIntentionExclusive
	case LockModeShared:
		return l2 == LockModeIntentionShared || l2 == LockModeShared
	case LockModeSharedIntentionExclusive:
		return l2 == LockModeIntentionShared
	default:
		return false
	}
}

// canLockUpgrade 升级矩阵：IS→{S,X,IX,SIX}，S→{X,SIX}，IX→{X,SIX}，SIX→X
func canLockUpgrade(cur, requested LockMode) bool {
	switch cur {
	case LockModeIntentionShared:
		return requested != LockModeIntentionShared
	case LockModeShared, LockModeIntentionExclusive:
		return requested == LockModeExclusive || requested == LockModeSharedIntentionExclusive
	case LockModeSharedIntentionExclusive:
		return requested == LockModeExclusive
	default:
		return false
	}
}

// LockRequest 锁请求，授予前一直留在目标的等待队列中
type LockRequest struct {
	txnID   basic.TxnID
	mode    LockMode
	oid     basic.TableID
	rid     basic.RID
	onTable bool
	granted bool
}

// LockRequestQueue 单个目标（表或行）的请求队列。
// FIFO授予、升级者插到未授予区头部；队列闩锁与条件变量一一对应
type LockRequestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*LockRequest
	upgrading basic.TxnID
}

func newLockRequestQueue() *LockRequestQueue {
	q := &LockRequestQueue{upgrading: basic.InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// removeRequestLocked 移除req，调用方必须持有q.mu
func (q *LockRequestQueue) removeRequestLocked(req *LockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// removeTxnRequestLocked 移除txnID的请求，调用方必须持有q.mu
func (q *LockRequestQueue) removeTxnRequestLocked(txnID basic.TxnID) {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// findTxnRequestLocked 查找txnID的请求，调用方必须持有q.mu
func (q *LockRequestQueue) findTxnRequestLocked(txnID basic.TxnID) *LockRequest {
	for _, r := range q.requests {
		if r.txnID == txnID {
			return r
		}
	}
	return nil
}

// insertBeforeUngrantedLocked 把req插到第一个未授予请求之前（升级优先），
// 调用方必须持有q.mu
func (q *LockRequestQueue) insertBeforeUngrantedLocked(req *LockRequest) {
	pos := len(q.requests)
	for i, r := range q.requests {
		if !r.granted {
			pos = i
			break
		}
	}
	q.requests = append(q.requests, nil)
	copy(q.requests[pos+1:], q.requests[pos:])
	q.requests[pos] = req
}
