package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstorage/basic"
)

func newTestLockManager(t *testing.T, interval time.Duration) (*LockManager, *TransactionManager) {
	t.Helper()
	lm := NewLockManager(interval)
	t.Cleanup(lm.Close)
	tm := NewTransactionManager(lm)
	return lm, tm
}

func requireAbortReason(t *testing.T, err error, reason basic.AbortReason) {
	t.Helper()
	require.Error(t, err)
	got, ok := basic.AbortReasonOf(err)
	require.True(t, ok, "not a transaction abort error: %v", err)
	assert.Equal(t, reason, got)
}

func TestLockCompatibilityMatrix(t *testing.T) {
	modes := []LockMode{
		LockModeIntentionShared,
		LockModeIntentionExclusive,
		LockModeShared,
		LockModeSharedIntentionExclusive,
		LockModeExclusive,
	}
	// 行=持有者，列=请求者
	expected := map[LockMode]map[LockMode]bool{
		LockModeIntentionShared: {
			LockModeIntentionShared: true, LockModeIntentionExclusive: true,
			LockModeShared: true, LockModeSharedIntentionExclusive: true, LockModeExclusive: false,
		},
		LockModeIntentionExclusive: {
			LockModeIntentionShared: true, LockModeIntentionExclusive: true,
			LockModeShared: false, LockModeSharedIntentionExclusive: false, LockModeExclusive: false,
		},
		LockModeShared: {
			LockModeIntentionShared: true, LockModeIntentionExclusive: false,
			LockModeShared: true, LockModeSharedIntentionExclusive: false, LockModeExclusive: false,
		},
		LockModeSharedIntentionExclusive: {
			LockModeIntentionShared: true, LockModeIntentionExclusive: false,
			LockModeShared: false, LockModeSharedIntentionExclusive: false, LockModeExclusive: false,
		},
		LockModeExclusive: {
			LockModeIntentionShared: false, LockModeIntentionExclusive: false,
			LockModeShared: false, LockModeSharedIntentionExclusive: false, LockModeExclusive: false,
		},
	}
	for _, holder := range modes {
		for _, requester := range modes {
			assert.Equal(t, expected[holder][requester], areLocksCompatible(holder, requester),
				"holder=%s requester=%s", holder, requester)
		}
	}
}

func TestLockUpgradeMatrix(t *testing.T) {
	// IS→{S,X,IX,SIX}，S→{X,SIX}，IX→{X,SIX}，SIX→X
	assert.True(t, canLockUpgrade(LockModeIntentionShared, LockModeShared))
	assert.True(t, canLockUpgrade(LockModeIntentionShared, LockModeExclusive))
	assert.True(t, canLockUpgrade(LockModeIntentionShared, LockModeIntentionExclusive))
	assert.True(t, canLockUpgrade(LockModeIntentionShared, LockModeSharedIntentionExclusive))
	assert.True(t, canLockUpgrade(LockModeShared, LockModeExclusive))
	assert.True(t, canLockUpgrade(LockModeShared, LockModeSharedIntentionExclusive))
	assert.True(t, canLockUpgrade(LockModeIntentionExclusive, LockModeExclusive))
	assert.True(t, canLockUpgrade(LockModeIntentionExclusive, LockModeSharedIntentionExclusive))
	assert.True(t, canLockUpgrade(LockModeSharedIntentionExclusive, LockModeExclusive))

	assert.False(t, canLockUpgrade(LockModeShared, LockModeIntentionShared))
	assert.False(t, canLockUpgrade(LockModeShared, LockModeIntentionExclusive))
	assert.False(t, canLockUpgrade(LockModeExclusive, LockModeShared))
	assert.False(t, canLockUpgrade(LockModeSharedIntentionExclusive, LockModeShared))
}

func TestLockTableBasic(t *testing.T) {
	t.Run("共享锁可并存", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		t1 := tm.Begin(IsolationRepeatableRead)
		t2 := tm.Begin(IsolationRepeatableRead)

		ok, err := lm.LockTable(t1, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockTable(t2, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)

		tm.Commit(t1)
		tm.Commit(t2)
	})

	t.Run("重复加同模式锁直接成功", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		t1 := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(t1, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockTable(t1, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)
		tm.Commit(t1)
	})

	t.Run("READ_UNCOMMITTED拒绝共享类锁", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		for _, mode := range []LockMode{LockModeShared, LockModeIntentionShared, LockModeSharedIntentionExclusive} {
			txn := tm.Begin(IsolationReadUncommitted)
			_, err := lm.LockTable(txn, mode, 1)
			requireAbortReason(t, err, basic.AbortReasonLockSharedOnReadUncommitted)
			assert.Equal(t, TxnStateAborted, txn.State())
		}
	})

	t.Run("SHRINKING阶段禁止加锁", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(txn, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)

		// REPEATABLE_READ下释放S即进入SHRINKING
		ok, err = lm.UnlockTable(txn, 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, TxnStateShrinking, txn.State())

		_, err = lm.LockTable(txn, LockModeShared, 2)
		requireAbortReason(t, err, basic.AbortReasonLockOnShrinking)
	})

	t.Run("READ_COMMITTED的SHRINKING仍可加S锁", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationReadCommitted)
		ok, err := lm.LockTable(txn, LockModeExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = lm.UnlockTable(txn, 1)
		require.NoError(t, err)
		assert.Equal(t, TxnStateShrinking, txn.State())

		// S/IS仍然合法
		ok, err = lm.LockTable(txn, LockModeShared, 2)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = lm.LockTable(txn, LockModeExclusive, 3)
		requireAbortReason(t, err, basic.AbortReasonLockOnShrinking)
	})

	t.Run("未持锁时解锁中止", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		_, err := lm.UnlockTable(txn, 1)
		requireAbortReason(t, err, basic.AbortReasonAttemptedUnlockButNoLockHeld)
	})

	t.Run("不兼容升级中止", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(txn, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = lm.LockTable(txn, LockModeIntentionShared, 1)
		requireAbortReason(t, err, basic.AbortReasonIncompatibleUpgrade)
	})
}

func TestLockRow(t *testing.T) {
	rid := basic.NewRID(1, 1)

	t.Run("行锁要求表级意向锁", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		_, err := lm.LockRow(txn, LockModeExclusive, 1, rid)
		requireAbortReason(t, err, basic.AbortReasonTableLockNotPresent)
	})

	t.Run("IX表锁下可加X行锁", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(txn, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockRow(txn, LockModeExclusive, 1, rid)
		require.NoError(t, err)
		require.True(t, ok)
		tm.Commit(txn)
	})

	t.Run("行上禁止意向锁", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(txn, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = lm.LockRow(txn, LockModeIntentionExclusive, 1, rid)
		requireAbortReason(t, err, basic.AbortReasonAttemptedIntentionLockOnRow)
	})

	t.Run("先解表锁后解行锁中止", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(txn, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockRow(txn, LockModeExclusive, 1, rid)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = lm.UnlockTable(txn, 1)
		requireAbortReason(t, err, basic.AbortReasonTableUnlockedBeforeUnlockingRows)
	})

	t.Run("行锁先释放则表锁可释放", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txn := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(txn, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockRow(txn, LockModeExclusive, 1, rid)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = lm.UnlockRow(txn, 1, rid, false)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.UnlockTable(txn, 1)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestLockUpgrade(t *testing.T) {
	t.Run("升级冲突中止后来者", func(t *testing.T) {
		// S5: A、B同持S；A升级X等待；B再升级X时中止；B释放后A获得X
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		txnA := tm.Begin(IsolationRepeatableRead)
		txnB := tm.Begin(IsolationRepeatableRead)

		ok, err := lm.LockTable(txnA, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockTable(txnB, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)

		aGranted := make(chan error, 1)
		go func() {
			_, err := lm.LockTable(txnA, LockModeExclusive, 1)
			aGranted <- err
		}()

		// 等A的升级请求进入队列
		require.Eventually(t, func() bool {
			q := lm.getTableQueue(1)
			q.mu.Lock()
			defer q.mu.Unlock()
			return q.upgrading == txnA.ID()
		}, time.Second, time.Millisecond)

		_, err = lm.LockTable(txnB, LockModeExclusive, 1)
		requireAbortReason(t, err, basic.AbortReasonUpgradeConflict)

		// B中止释放S，A的X随即授予
		tm.Abort(txnB)
		require.NoError(t, <-aGranted)

		mode, held := txnA.TableLockMode(1)
		require.True(t, held)
		assert.Equal(t, LockModeExclusive, mode)
		tm.Commit(txnA)
	})

	t.Run("行锁S升级X", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager
		rid := basic.NewRID(2, 7)

		txn := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(txn, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockRow(txn, LockModeShared, 1, rid)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockRow(txn, LockModeExclusive, 1, rid)
		require.NoError(t, err)
		require.True(t, ok)

		mode, held := txn.RowLockMode(1, rid)
		require.True(t, held)
		assert.Equal(t, LockModeExclusive, mode)
		tm.Commit(txn)
	})
}

func TestGrantFIFO(t *testing.T) {
	t.Run("严格FIFO不越过队首等待者", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager

		t1 := tm.Begin(IsolationRepeatableRead)
		t2 := tm.Begin(IsolationRepeatableRead)
		t3 := tm.Begin(IsolationRepeatableRead)

		ok, err := lm.LockTable(t1, LockModeShared, 1)
		require.NoError(t, err)
		require.True(t, ok)

		// t2排队等X；t3随后请求S。S虽与t1已持有的S兼容，
		// 但不得越过排在前面的t2
		t2Done := make(chan error, 1)
		go func() {
			_, err := lm.LockTable(t2, LockModeExclusive, 1)
			t2Done <- err
		}()
		require.Eventually(t, func() bool {
			q := lm.getTableQueue(1)
			q.mu.Lock()
			defer q.mu.Unlock()
			return len(q.requests) == 2
		}, time.Second, time.Millisecond)

		t3Done := make(chan error, 1)
		go func() {
			_, err := lm.LockTable(t3, LockModeShared, 1)
			t3Done <- err
		}()

		select {
		case <-t3Done:
			t.Fatal("t3 bypassed FIFO queue")
		case <-time.After(50 * time.Millisecond):
		}

		// t1释放后按队列顺序先授予t2，t2提交后才轮到t3
		tm.Commit(t1)
		require.NoError(t, <-t2Done)
		tm.Commit(t2)
		require.NoError(t, <-t3Done)
		tm.Commit(t3)
	})
}

func TestDeadlockDetection(t *testing.T) {
	t.Run("等待图基本操作", func(t *testing.T) {
		lm, _ := newTestLockManager(t, time.Hour)

		lm.AddEdge(1, 2)
		lm.AddEdge(2, 1)
		lm.AddEdge(1, 2) // 重复边去重
		assert.Equal(t, [][2]basic.TxnID{{1, 2}, {2, 1}}, lm.GetEdgeList())

		victim, found := lm.HasCycle()
		require.True(t, found)
		assert.Equal(t, basic.TxnID(2), victim)

		lm.RemoveEdge(2, 1)
		_, found = lm.HasCycle()
		assert.False(t, found)
	})

	t.Run("三事务环中止最年轻者", func(t *testing.T) {
		lm, _ := newTestLockManager(t, time.Hour)

		lm.AddEdge(1, 2)
		lm.AddEdge(2, 3)
		lm.AddEdge(3, 1)
		victim, found := lm.HasCycle()
		require.True(t, found)
		assert.Equal(t, basic.TxnID(3), victim)
	})

	t.Run("死锁中止最年轻事务", func(t *testing.T) {
		// S6: t1持r1、t2持r2，互相请求对方的行，检测器中止t2
		_, tm := newTestLockManager(t, 10*time.Millisecond)
		lm := tm.lockManager

		r1 := basic.NewRID(1, 1)
		r2 := basic.NewRID(1, 2)

		t1 := tm.Begin(IsolationRepeatableRead)
		t2 := tm.Begin(IsolationRepeatableRead)

		ok, err := lm.LockTable(t1, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockTable(t2, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = lm.LockRow(t1, LockModeExclusive, 1, r1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockRow(t2, LockModeExclusive, 1, r2)
		require.NoError(t, err)
		require.True(t, ok)

		t1Done := make(chan error, 1)
		t2Done := make(chan error, 1)
		go func() {
			_, err := lm.LockRow(t1, LockModeExclusive, 1, r2)
			t1Done <- err
		}()
		go func() {
			_, err := lm.LockRow(t2, LockModeExclusive, 1, r1)
			t2Done <- err
		}()

		// 最年轻的t2被中止，其等待失败返回
		err = <-t2Done
		requireAbortReason(t, err, basic.AbortReasonDeadlock)
		assert.Equal(t, TxnStateAborted, t2.State())

		// t2走中止路径释放锁后，t1的等待完成
		tm.Abort(t2)
		require.NoError(t, <-t1Done)
		tm.Commit(t1)
	})
}

func TestUnlockAllOnCommit(t *testing.T) {
	t.Run("提交释放全部锁", func(t *testing.T) {
		_, tm := newTestLockManager(t, time.Hour)
		lm := tm.lockManager
		rid := basic.NewRID(3, 3)

		t1 := tm.Begin(IsolationRepeatableRead)
		ok, err := lm.LockTable(t1, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = lm.LockRow(t1, LockModeExclusive, 1, rid)
		require.NoError(t, err)
		require.True(t, ok)

		// t2等待t1的行锁
		t2 := tm.Begin(IsolationRepeatableRead)
		ok, err = lm.LockTable(t2, LockModeIntentionExclusive, 1)
		require.NoError(t, err)
		require.True(t, ok)

		done := make(chan error, 1)
		go func() {
			_, err := lm.LockRow(t2, LockModeExclusive, 1, rid)
			done <- err
		}()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
			tm.Commit(t1)
		}()

		require.NoError(t, <-done)
		wg.Wait()

		assert.Equal(t, TxnStateCommitted, t1.State())
		_, held := t1.TableLockMode(1)
		assert.False(t, held)
		tm.Commit(t2)
	})
}
