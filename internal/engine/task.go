package engine

import (
	"errors"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/tonemapper/internal/logging"
)

// TaskCode names the operations run on an engine's thread
type TaskCode int

const (
	TaskGetInstance TaskCode = iota
	TaskBlit
	TaskDestroy
)

func (c TaskCode) String() string {
	switch c {
	case TaskGetInstance:
		return "GetInstance"
	case TaskBlit:
		return "Blit"
	case TaskDestroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

// ErrRunnerStopped is returned by Perform after Stop
var ErrRunnerStopped = errors.New("task runner stopped")

type task struct {
	code TaskCode
	fn   func()
	done chan struct{}
}

// Runner executes tasks one at a time on a single locked OS thread. GPU
// contexts are bound to the thread that created them, so every call into an
// engine goes through the runner that created it.
type Runner struct {
	name  string
	tasks chan task
	quit  chan struct{}
	exit  chan struct{}
	once  sync.Once
}

// NewRunner starts a runner goroutine
func NewRunner(name string) *Runner {
	r := &Runner{
		name:  name,
		tasks: make(chan task),
		quit:  make(chan struct{}),
		exit:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.exit)

	for {
		select {
		case t := <-r.tasks:
			logging.WithFields(logrus.Fields{"runner": r.name, "task": t.code}).Debug("running engine task")
			t.fn()
			close(t.done)
		case <-r.quit:
			return
		}
	}
}

// Perform runs fn on the runner thread and waits for it to finish.
func (r *Runner) Perform(code TaskCode, fn func()) error {
	t := task{code: code, fn: fn, done: make(chan struct{})}
	select {
	case r.tasks <- t:
	case <-r.exit:
		return ErrRunnerStopped
	}
	<-t.done
	return nil
}

// Stop terminates the runner after any task in progress. It is idempotent.
func (r *Runner) Stop() {
	r.once.Do(func() {
		close(r.quit)
	})
	<-r.exit
}
