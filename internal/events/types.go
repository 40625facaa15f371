package events

import (
	"time"

	"github.com/aristath/procore/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	PID() task.PID
}

// Topic constants
const (
	TopicProc  = "proc"
	TopicTrap  = "trap"
	TopicSched = "sched"
)

// Event type constants
const (
	EventTypeTaskForked = "task.forked"
	EventTypeTaskExec   = "task.exec"
	EventTypeTaskExited = "task.exited"
	EventTypeTaskReaped = "task.reaped"
	EventTypeTrap       = "trap"
	EventTypeSwitch     = "sched.switch"
)

// TaskForkedEvent is published when fork creates a child.
type TaskForkedEvent struct {
	Parent    task.PID
	Child     task.PID
	Image     string
	Timestamp time.Time
}

func (e TaskForkedEvent) EventType() string { return EventTypeTaskForked }
func (e TaskForkedEvent) PID() task.PID     { return e.Child }

// TaskExecEvent is published when a task replaces its image.
type TaskExecEvent struct {
	Task      task.PID
	Image     string
	Timestamp time.Time
}

func (e TaskExecEvent) EventType() string { return EventTypeTaskExec }
func (e TaskExecEvent) PID() task.PID     { return e.Task }

// TaskExitedEvent is published when a task becomes a zombie.
type TaskExitedEvent struct {
	Task      task.PID
	Parent    task.PID
	Image     string
	Code      int32
	Timestamp time.Time
}

func (e TaskExitedEvent) EventType() string { return EventTypeTaskExited }
func (e TaskExitedEvent) PID() task.PID     { return e.Task }

// TaskReapedEvent is published when a parent collects a zombie.
type TaskReapedEvent struct {
	Task      task.PID
	Parent    task.PID
	Code      int32
	Orphans   int
	Timestamp time.Time
}

func (e TaskReapedEvent) EventType() string { return EventTypeTaskReaped }
func (e TaskReapedEvent) PID() task.PID     { return e.Task }

// TrapEvent is published for every trap the gateway handles.
type TrapEvent struct {
	Task      task.PID
	Cause     string
	Value     uint64
	Detail    string
	Timestamp time.Time
}

func (e TrapEvent) EventType() string { return EventTypeTrap }
func (e TrapEvent) PID() task.PID     { return e.Task }

// SwitchEvent is published when the current task changes. A zero pid means
// the core was or goes idle.
type SwitchEvent struct {
	From      task.PID
	To        task.PID
	Decision  uint64
	Timestamp time.Time
}

func (e SwitchEvent) EventType() string { return EventTypeSwitch }
func (e SwitchEvent) PID() task.PID     { return e.To }
