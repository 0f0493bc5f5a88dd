package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	t.Cleanup(func() {
		r.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
		r.Close()
	})
	return r
}

func drain(fd int) {
	var buf [256]byte
	for {
		if n, err := unix.Read(fd, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func TestRegistrationReadable(t *testing.T) {
	r := startReactor(t)
	a, b := socketPair(t)

	got := make(chan Event, 4)
	g, err := r.Register(a, Read, func(fd int, ev Event) {
		drain(fd)
		got <- ev
	})
	require.NoError(t, err)
	defer g.Close()

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.NotZero(t, ev&EventRead)
		assert.Zero(t, ev&EventWrite)
	case <-time.After(2 * time.Second):
		t.Fatal("no readable event")
	}
}

func TestRegisterTwice(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()
	a, _ := socketPair(t)

	g, err := r.Register(a, Read, nil)
	require.NoError(t, err)
	_, err = r.Register(a, Write, nil)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	g2, err := r.Register(a, Write, nil)
	require.NoError(t, err)
	assert.Equal(t, Write, g2.Interest())
}

func TestTimerZeroFiresNextIteration(t *testing.T) {
	r := startReactor(t)

	fired := make(chan struct{}, 4)
	tm := r.NewTimer(func() { fired <- struct{}{} })
	// 循环此时阻塞在无限 Wait 中
	time.Sleep(20 * time.Millisecond)
	tm.Arm(0)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("zero delay timer did not fire")
	}
	assert.False(t, tm.Pending())
}

func TestTimerRearmFiresOnce(t *testing.T) {
	r := startReactor(t)

	var n atomic.Int32
	tm := r.NewTimer(func() { n.Add(1) })
	tm.Arm(80 * time.Millisecond)
	tm.Arm(10 * time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestTimerDisarm(t *testing.T) {
	r := startReactor(t)

	var n atomic.Int32
	tm := r.NewTimer(func() { n.Add(1) })
	tm.Arm(30 * time.Millisecond)
	assert.True(t, tm.Pending())
	tm.Disarm()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestTimerRearmFromCallback(t *testing.T) {
	r := startReactor(t)

	var n atomic.Int32
	done := make(chan struct{})
	var tm *Timer
	tm = r.NewTimer(func() {
		if n.Add(1) < 3 {
			tm.Arm(0)
			return
		}
		close(done)
	})
	tm.Arm(time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer chain stalled")
	}
	assert.Equal(t, int32(3), n.Load())
}

// 同一批事件中替换 fd 的注册，新的回调不能收到旧批次的事件。
func TestReplacedRegistrationSkipsStaleBatch(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	a, aPeer := socketPair(t)
	b, bPeer := socketPair(t)
	_, err = unix.Write(aPeer, []byte("a"))
	require.NoError(t, err)
	_, err = unix.Write(bPeer, []byte("b"))
	require.NoError(t, err)

	var batchDone atomic.Bool
	var staleForNew atomic.Bool
	var oldB atomic.Int32
	newCalled := make(chan struct{}, 1)

	marker := r.NewTimer(func() { batchDone.Store(true) })

	var regB *Registration
	replaced := false
	replace := func() {
		if replaced {
			return
		}
		replaced = true
		_ = regB.Close()
		regB, _ = r.Register(b, Read, func(fd int, ev Event) {
			if !batchDone.Load() {
				staleForNew.Store(true)
			}
			drain(fd)
			select {
			case newCalled <- struct{}{}:
			default:
			}
		})
		marker.Arm(0)
	}

	regA, err := r.Register(a, Read, func(fd int, ev Event) {
		drain(fd)
		replace()
	})
	require.NoError(t, err)
	defer regA.Close()
	regB, err = r.Register(b, Read, func(fd int, ev Event) {
		oldB.Add(1)
		// 旧回调不读数据，留给替换后的注册
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	defer func() {
		r.Stop()
		<-done
		r.Close()
	}()

	select {
	case <-newCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement registration never fired")
	}
	assert.False(t, staleForNew.Load(), "new registration received an event from the batch it was created in")
}

// 注销后重新注册（包括 fd 号被内核复用）不能把事件投递给旧的使用者。
func TestReuseDescriptorNoCrossDelivery(t *testing.T) {
	r := startReactor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	first, firstPeer := fds[0], fds[1]
	require.NoError(t, unix.SetNonblock(first, true))

	var oldCalls atomic.Int32
	g1, err := r.Register(first, Read, func(fd int, ev Event) { oldCalls.Add(1) })
	require.NoError(t, err)

	// 先完全注销，再关闭 fd
	require.NoError(t, g1.Close())
	unix.Close(first)
	unix.Close(firstPeer)

	second, secondPeer := socketPair(t)
	got := make(chan int, 1)
	g2, err := r.Register(second, Read, func(fd int, ev Event) {
		drain(fd)
		select {
		case got <- fd:
		default:
		}
	})
	require.NoError(t, err)
	defer g2.Close()

	_, err = unix.Write(secondPeer, []byte("x"))
	require.NoError(t, err)

	select {
	case fd := <-got:
		assert.Equal(t, second, fd)
	case <-time.After(2 * time.Second):
		t.Fatal("no event for new registration")
	}
	assert.Zero(t, oldCalls.Load())
}

func TestCallbackPanicKeepsLoopAlive(t *testing.T) {
	r := startReactor(t)

	fired := make(chan struct{}, 1)
	boom := r.NewTimer(func() { panic("boom") })
	ok := r.NewTimer(func() { fired <- struct{}{} })
	boom.Arm(0)
	ok.Arm(20 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after panic")
	}
}

func TestRunTwice(t *testing.T) {
	r := startReactor(t)
	require.Eventually(t, r.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, r.Run(), ErrRunning)
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "none", Interest(0).String())
	assert.Equal(t, "IN", Read.String())
	assert.Equal(t, "OUT", Write.String())
	assert.Equal(t, "INOUT", ReadWrite.String())
}
