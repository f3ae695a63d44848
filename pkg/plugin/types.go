package plugin

import "context"

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID          string
	Name        string
	Description string
	Author      string
	Version     string
	// Tasks lists the task names the plugin executes. Names must be unique
	// across all plugins registered with a manager.
	Tasks        []string
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// Task is a paid task handed to a plugin once its payment is final.
type Task struct {
	Name        string
	RequestID   string
	EventID     string
	Payer       string
	Payee       string
	AmountWei   string
	BlockNumber uint64
	Metadata    map[string]any
}

// Result is what a plugin returns for a task.
type Result struct {
	Output   string
	Metadata map[string]any
}

// Executor runs tasks on behalf of the host.
type Executor interface {
	Execute(ctx context.Context, task Task) (*Result, error)
}
