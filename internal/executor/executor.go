// Package executor runs decode and scale work off the control loop.
//
// An Executor only runs work. Delivering results back is the submitter's
// job: the unit of work posts its own completion to whatever serialized
// queue the submitter owns.
package executor

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Executor schedules a unit of work. Submit never blocks the caller and a
// submitted task always runs to completion: there is no priority,
// cancellation or retry.
type Executor interface {
	Submit(task func())
}

// Pool runs tasks on at most workers goroutines at a time.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewPool(workers int, logger *zap.Logger) *Pool {
	// At least one worker, whatever WORKERS says.
	if workers <= 0 {
		workers = 1
	}

	return &Pool{
		slots:  make(chan struct{}, workers),
		logger: logger,
	}
}

// Submit queues task. Tasks waiting for a free worker hold a parked
// goroutine rather than blocking the caller.
func (p *Pool) Submit(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.slots <- struct{}{} // Acquire worker slot
		defer func() { <-p.slots }()

		p.run(task)
	}()
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Workers() int {
	return cap(p.slots)
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	task()
}

// Inline runs each task on the caller's goroutine before Submit returns.
// It keeps controller tests deterministic.
type Inline struct{}

func (Inline) Submit(task func()) {
	task()
}

// Counting wraps an Executor and counts submissions.
type Counting struct {
	Executor

	mu    sync.Mutex
	count int
}

func NewCounting(inner Executor) *Counting {
	return &Counting{Executor: inner}
}

func (c *Counting) Submit(task func()) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()

	c.Executor.Submit(task)
}

// Submitted returns how many tasks have been submitted so far.
func (c *Counting) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
