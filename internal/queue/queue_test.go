package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPop(t *testing.T) {
	q := New()
	require.True(t, q.Push("a"))
	require.True(t, q.Push("b"))
	require.Equal(t, 2, q.Len())

	v, ok := q.Pop(time.Time{})
	require.True(t, ok)
	require.Equal(t, "a", v)

	v, ok = q.Pop(time.Time{})
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestFreezeBlocksPush(t *testing.T) {
	q := New()
	q.Freeze()
	require.False(t, q.Push("x"))
	require.Equal(t, 0, q.Len())

	q.Thaw()
	require.True(t, q.Push("x"))
	require.Equal(t, 1, q.Len())
}

func TestPopDeadlineTimesOut(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.Pop(start.Add(50 * time.Millisecond))
	require.False(t, ok)
	require.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), 100*time.Millisecond)
}

func TestPopWakesOnPush(t *testing.T) {
	q := New()
	done := make(chan interface{}, 1)
	go func() {
		v, ok := q.Pop(time.Now().Add(2 * time.Second))
		if ok {
			done <- v
		} else {
			done <- nil
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("woken")

	select {
	case v := <-done:
		require.Equal(t, "woken", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestFreezeWakesBlockedPop(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(time.Now().Add(5 * time.Second))
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Freeze()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Freeze did not wake blocked Pop")
	}
}

func TestPopNoDeadlineBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan interface{}, 1)
	go func() {
		v, _ := q.Pop(time.Time{})
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	default:
	}

	q.Push(42)
	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}
