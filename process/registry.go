package process

import (
	"context"
	"fmt"
	"sync"
)

// NodeExecutor implements one node type's behavior.
//
// Validate checks a node's configuration at definition time; Execute runs
// one attempt. Executors must be stateless across calls: the engine may
// construct them per execution and invoke them from parallel branches.
type NodeExecutor interface {
	Validate(node *Node) *ExecutionError
	Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult
}

// ExecutorConstructor builds an executor bound to a dependency bundle.
type ExecutorConstructor func(deps *Dependencies) NodeExecutor

// Registry maps node types to executor constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[NodeType]ExecutorConstructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[NodeType]ExecutorConstructor)}
}

// Register adds a constructor for a node type. Registering a type twice
// is an error.
func (r *Registry) Register(t NodeType, ctor ExecutorConstructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[t]; exists {
		return fmt.Errorf("executor for %s already registered", t)
	}
	r.constructors[t] = ctor
	return nil
}

// MustRegister is Register that panics on error, for package init wiring.
func (r *Registry) MustRegister(t NodeType, ctor ExecutorConstructor) {
	if err := r.Register(t, ctor); err != nil {
		panic(err)
	}
}

// Resolve builds the executor for a node type.
func (r *Registry) Resolve(t NodeType, deps *Dependencies) (NodeExecutor, *ExecutionError) {
	r.mu.RLock()
	ctor, ok := r.constructors[t]
	r.mu.RUnlock()
	if !ok {
		return nil, NewConfigurationError("NO_EXECUTOR", "no executor registered for node type %s", t)
	}
	return ctor(deps), nil
}

// Types returns the registered node types.
func (r *Registry) Types() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeType, 0, len(r.constructors))
	for t := range r.constructors {
		out = append(out, t)
	}
	return out
}

// DefaultRegistry returns a registry with every built-in node family.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// Flow control.
	r.MustRegister(NodeStart, func(*Dependencies) NodeExecutor { return &startExecutor{} })
	r.MustRegister(NodeEnd, func(*Dependencies) NodeExecutor { return &endExecutor{} })
	r.MustRegister(NodeMerge, func(*Dependencies) NodeExecutor { return &mergeExecutor{} })
	r.MustRegister(NodeGateway, func(*Dependencies) NodeExecutor { return &gatewayExecutor{} })
	r.MustRegister(NodeParallel, func(*Dependencies) NodeExecutor { return &parallelExecutor{} })

	// Logic.
	r.MustRegister(NodeCondition, func(*Dependencies) NodeExecutor { return &conditionExecutor{} })
	r.MustRegister(NodeSwitch, func(*Dependencies) NodeExecutor { return &switchExecutor{} })
	r.MustRegister(NodeLoop, func(*Dependencies) NodeExecutor { return &loopExecutor{} })
	r.MustRegister(NodeWhile, func(*Dependencies) NodeExecutor { return &whileExecutor{} })

	// Tasks.
	r.MustRegister(NodeAITask, func(d *Dependencies) NodeExecutor { return &aiTaskExecutor{deps: d} })
	r.MustRegister(NodeToolCall, func(d *Dependencies) NodeExecutor { return &toolCallExecutor{deps: d} })
	r.MustRegister(NodeScript, func(*Dependencies) NodeExecutor { return &scriptExecutor{} })

	// Integration.
	r.MustRegister(NodeHTTPRequest, func(d *Dependencies) NodeExecutor { return &httpRequestExecutor{deps: d} })
	r.MustRegister(NodeDatabaseQuery, func(d *Dependencies) NodeExecutor { return &databaseQueryExecutor{deps: d} })
	r.MustRegister(NodeFileOperation, func(d *Dependencies) NodeExecutor { return &fileOperationExecutor{deps: d} })
	r.MustRegister(NodeMessageQueue, func(d *Dependencies) NodeExecutor { return &messageQueueExecutor{deps: d} })

	// Human interaction.
	r.MustRegister(NodeApproval, func(d *Dependencies) NodeExecutor { return &approvalExecutor{deps: d} })
	r.MustRegister(NodeHumanTask, func(d *Dependencies) NodeExecutor { return &humanTaskExecutor{deps: d} })
	r.MustRegister(NodeNotification, func(d *Dependencies) NodeExecutor { return &notificationExecutor{deps: d} })

	// Data.
	r.MustRegister(NodeTransform, func(*Dependencies) NodeExecutor { return &transformExecutor{} })
	r.MustRegister(NodeValidate, func(*Dependencies) NodeExecutor { return &validateExecutor{} })
	r.MustRegister(NodeFilter, func(*Dependencies) NodeExecutor { return &filterExecutor{} })
	r.MustRegister(NodeMap, func(*Dependencies) NodeExecutor { return &mapExecutor{} })
	r.MustRegister(NodeAggregate, func(*Dependencies) NodeExecutor { return &aggregateExecutor{} })

	// Timing.
	r.MustRegister(NodeDelay, func(d *Dependencies) NodeExecutor { return &delayExecutor{deps: d} })
	r.MustRegister(NodeSchedule, func(d *Dependencies) NodeExecutor { return &scheduleExecutor{deps: d} })
	r.MustRegister(NodeEventWait, func(d *Dependencies) NodeExecutor { return &eventWaitExecutor{deps: d} })

	// Sub-process.
	r.MustRegister(NodeSubProcess, func(d *Dependencies) NodeExecutor { return &subProcessExecutor{deps: d} })

	return r
}
