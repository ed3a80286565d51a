package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testTask struct {
	Value string
	Delay time.Duration
}

func TestPrioritySchedulerBasics(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)

	counter := 0
	handler := func(payload interface{}) {
		s, ok := payload.(string)
		require.True(ok, "handler type assertion failure")
		t.Logf("handler payload is %s\n", s)
		mu.Lock()
		counter++
		mu.Unlock()
	}

	s := New(handler, "test")

	testPlatter := []testTask{
		{Value: "reliable methods of fighting with tanks are molotov cocktails", Delay: 100 * time.Millisecond},
		{Value: "use the same means to destroy enemy armored vehicles", Delay: 100 * time.Millisecond},
		{Value: "keep stabbing intervals between sword blows", Delay: 90 * time.Millisecond},
		{Value: "stabbing in the heart when there is no room for slashing", Delay: 120 * time.Millisecond},
	}

	for _, v := range testPlatter {
		s.Add(v.Delay, v.Value)
	}

	time.AfterFunc(200*time.Millisecond, func() {
		defer wg.Done()
	})

	wg.Wait()
	require.Equal(0, s.Len(), "queue size mismatch")
	mu.Lock()
	defer mu.Unlock()
	require.Equal(len(testPlatter), counter, "counter mismatch")
}

func TestPrioritySchedulerOrdersByDeadline(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(3)

	handler := func(payload interface{}) {
		mu.Lock()
		order = append(order, payload.(string))
		mu.Unlock()
		wg.Done()
	}

	s := New(handler, "order-test")
	s.Add(30*time.Millisecond, "third")
	s.Add(10*time.Millisecond, "first")
	s.Add(20*time.Millisecond, "second")

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal([]string{"first", "second", "third"}, order)
}

func TestPrioritySchedulerShutdownPreventsFurtherDispatch(t *testing.T) {
	require := require.New(t)

	fired := false
	handler := func(interface{}) { fired = true }

	s := New(handler, "shutdown-test")
	s.Add(50*time.Millisecond, "never runs")
	s.Shutdown()

	time.Sleep(80 * time.Millisecond)
	require.False(fired)
	require.Equal(1, s.Len())
}
