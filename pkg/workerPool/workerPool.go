// Package workerpool runs closures on a fixed set of goroutines. Work is
// grouped in rooms; a room collects the results of its own tasks in the order
// they were submitted.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var ErrClosed = errors.New("workerpool: pool closed")

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type WorkerPool struct {
	config    Config
	taskQueue chan task
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type task struct {
	run  func() (any, error)
	room *Room
	slot int
}

// Result is the outcome of one task.
type Result struct {
	Value any
	Err   error
}

type Room struct {
	wp      *WorkerPool
	wg      sync.WaitGroup
	mu      sync.Mutex
	results []Result
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = config.WorkerCount * 4
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) Workers() int { return wp.config.WorkerCount }

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		v, err := t.run()
		t.room.mu.Lock()
		t.room.results[t.slot] = Result{Value: v, Err: err}
		t.room.mu.Unlock()
		t.room.wg.Done()
	}
}

// Close stops the workers once queued tasks have drained.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
}

func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{wp: wp, results: make([]Result, 0, size)}
}

// NewTask queues job, blocking while the global buffer is full.
func (ro *Room) NewTask(job func() (any, error)) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrClosed
	}

	ro.mu.Lock()
	slot := len(ro.results)
	ro.results = append(ro.results, Result{})
	ro.mu.Unlock()

	ro.wg.Add(1)
	ro.wp.taskQueue <- task{run: job, room: ro, slot: slot}
	return nil
}

// Collect waits for every task of the room and returns their results in
// submission order.
func (ro *Room) Collect() []Result {
	ro.wg.Wait()
	ro.mu.Lock()
	defer ro.mu.Unlock()
	out := make([]Result, len(ro.results))
	copy(out, ro.results)
	return out
}
