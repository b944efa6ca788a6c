package process

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies a node's behavior.
type NodeType string

// Flow control nodes.
const (
	NodeStart    NodeType = "START"
	NodeEnd      NodeType = "END"
	NodeMerge    NodeType = "MERGE"
	NodeGateway  NodeType = "GATEWAY"
	NodeParallel NodeType = "PARALLEL"
)

// Logic nodes.
const (
	NodeCondition NodeType = "CONDITION"
	NodeSwitch    NodeType = "SWITCH"
	NodeLoop      NodeType = "LOOP"
	NodeWhile     NodeType = "WHILE"
)

// Task nodes.
const (
	NodeAITask   NodeType = "AI_TASK"
	NodeToolCall NodeType = "TOOL_CALL"
	NodeScript   NodeType = "SCRIPT"
)

// Integration nodes.
const (
	NodeHTTPRequest   NodeType = "HTTP_REQUEST"
	NodeDatabaseQuery NodeType = "DATABASE_QUERY"
	NodeFileOperation NodeType = "FILE_OPERATION"
	NodeMessageQueue  NodeType = "MESSAGE_QUEUE"
)

// Human interaction nodes.
const (
	NodeApproval     NodeType = "APPROVAL"
	NodeHumanTask    NodeType = "HUMAN_TASK"
	NodeNotification NodeType = "NOTIFICATION"
)

// Data nodes.
const (
	NodeTransform NodeType = "TRANSFORM"
	NodeValidate  NodeType = "VALIDATE"
	NodeFilter    NodeType = "FILTER"
	NodeMap       NodeType = "MAP"
	NodeAggregate NodeType = "AGGREGATE"
)

// Timing nodes.
const (
	NodeDelay     NodeType = "DELAY"
	NodeSchedule  NodeType = "SCHEDULE"
	NodeEventWait NodeType = "EVENT_WAIT"
)

// Sub-process node.
const (
	NodeSubProcess NodeType = "SUB_PROCESS"
)

var knownNodeTypes = map[NodeType]bool{
	NodeStart: true, NodeEnd: true, NodeMerge: true, NodeGateway: true,
	NodeParallel: true, NodeCondition: true, NodeSwitch: true,
	NodeLoop: true, NodeWhile: true, NodeAITask: true, NodeToolCall: true,
	NodeScript: true, NodeHTTPRequest: true, NodeDatabaseQuery: true,
	NodeFileOperation: true, NodeMessageQueue: true, NodeApproval: true,
	NodeHumanTask: true, NodeNotification: true, NodeTransform: true,
	NodeValidate: true, NodeFilter: true, NodeMap: true, NodeAggregate: true,
	NodeDelay: true, NodeSchedule: true, NodeEventWait: true,
	NodeSubProcess: true,
}

// RetryConfig controls the per-node retry envelope.
type RetryConfig struct {
	Enabled           bool    `json:"enabled"`
	MaxAttempts       int     `json:"max_attempts"`
	DelaySeconds      float64 `json:"delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// Timeout actions.
const (
	TimeoutActionFail  = "fail"
	TimeoutActionRetry = "retry"
	TimeoutActionSkip  = "skip"
)

// TimeoutConfig controls the per-node timeout envelope. Action is one of
// "fail" (default), "retry", or "skip".
type TimeoutConfig struct {
	Enabled bool    `json:"enabled"`
	Seconds float64 `json:"seconds"`
	Action  string  `json:"action"`
}

// Node is one step in a process definition.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Name string   `json:"name,omitempty"`

	// Config holds type-specific settings; see the executor for each
	// node type for the recognized keys.
	Config map[string]interface{} `json:"config,omitempty"`

	Retry   RetryConfig   `json:"retry,omitempty"`
	Timeout TimeoutConfig `json:"timeout,omitempty"`

	// Enabled defaults to true; a disabled node is skipped.
	Enabled *bool `json:"enabled,omitempty"`

	// SkipOnError continues the process past a terminal node failure.
	SkipOnError bool `json:"skip_on_error,omitempty"`

	// InputMapping maps variable or expression sources into the node's
	// effective input.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// OutputVariable publishes the node output under this variable name.
	OutputVariable string `json:"output_variable,omitempty"`

	// Next overrides edge selection with a fixed successor.
	Next string `json:"next,omitempty"`
}

// IsEnabled reports whether the node participates in execution.
func (n *Node) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// Edge connects two nodes. Condition, when set, is an expression that must
// evaluate true for the edge to be taken; EdgeType "default" marks the
// fallback edge.
type Edge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	EdgeType  string `json:"edge_type,omitempty"`
	Label     string `json:"label,omitempty"`
}

// VariableDef declares a process variable with an optional default.
// Sensitive variables are masked in exported checkpoints and logs.
type VariableDef struct {
	Name      string      `json:"name"`
	Type      string      `json:"type,omitempty"`
	Default   interface{} `json:"default,omitempty"`
	Sensitive bool        `json:"sensitive,omitempty"`
}

// TriggerDef declares how a process can start.
type TriggerDef struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Settings are definition-level execution limits and checkpoint policy.
type Settings struct {
	// MaxNodeExecutions caps completed nodes per run; 0 uses the engine
	// default.
	MaxNodeExecutions int `json:"max_node_executions,omitempty"`

	// MaxExecutionTimeSeconds caps total run time; 0 means unbounded.
	MaxExecutionTimeSeconds int `json:"max_execution_time_seconds,omitempty"`

	CheckpointEnabled bool `json:"checkpoint_enabled,omitempty"`

	// CheckpointIntervalNodes is how many completed nodes between
	// checkpoints; 0 uses the engine default when checkpointing is on.
	CheckpointIntervalNodes int `json:"checkpoint_interval_nodes,omitempty"`
}

// Definition is a complete, validated process graph.
type Definition struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version,omitempty"`

	Nodes     []*Node       `json:"nodes"`
	Edges     []Edge        `json:"edges,omitempty"`
	Variables []VariableDef `json:"variables,omitempty"`
	Triggers  []TriggerDef  `json:"triggers,omitempty"`
	Settings  Settings      `json:"settings,omitempty"`

	// InputMapping maps trigger input fields into variables at start.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	nodeIndex map[string]*Node
	outgoing  map[string][]Edge
}

// ParseDefinition decodes and validates a JSON process definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewValidationError("INVALID_DEFINITION", "definition is not valid JSON: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural integrity and builds the lookup indexes.
// It must be called before the definition is executed; ParseDefinition and
// Engine.Execute call it for you.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return NewValidationError("INVALID_DEFINITION", "definition id is required")
	}
	if len(d.Nodes) == 0 {
		return NewValidationError("INVALID_DEFINITION", "definition %s has no nodes", d.ID)
	}

	d.nodeIndex = make(map[string]*Node, len(d.Nodes))
	startCount := 0
	for _, n := range d.Nodes {
		if n.ID == "" {
			return NewValidationError("INVALID_DEFINITION", "node with empty id in definition %s", d.ID)
		}
		if _, dup := d.nodeIndex[n.ID]; dup {
			return NewValidationError("DUPLICATE_NODE", "duplicate node id %s", n.ID)
		}
		if !knownNodeTypes[n.Type] {
			return NewValidationError("UNKNOWN_NODE_TYPE", "node %s has unknown type %s", n.ID, n.Type)
		}
		if n.Type == NodeStart {
			startCount++
		}
		d.nodeIndex[n.ID] = n
	}
	if startCount == 0 {
		return NewValidationError("NO_START_NODE", "definition %s has no START node", d.ID)
	}
	if startCount > 1 {
		return NewValidationError("INVALID_DEFINITION", "definition %s has %d START nodes, want exactly 1", d.ID, startCount)
	}

	d.outgoing = make(map[string][]Edge)
	for _, e := range d.Edges {
		if _, ok := d.nodeIndex[e.Source]; !ok {
			return NewValidationError("NODE_NOT_FOUND", "edge source %s does not exist", e.Source)
		}
		if _, ok := d.nodeIndex[e.Target]; !ok {
			return NewValidationError("NODE_NOT_FOUND", "edge target %s does not exist", e.Target)
		}
		d.outgoing[e.Source] = append(d.outgoing[e.Source], e)
	}

	for _, n := range d.Nodes {
		if n.Next != "" {
			if _, ok := d.nodeIndex[n.Next]; !ok {
				return NewValidationError("NODE_NOT_FOUND", "node %s routes to missing node %s", n.ID, n.Next)
			}
		}
	}
	return nil
}

// GetNode returns a node by id, or nil.
func (d *Definition) GetNode(id string) *Node {
	if d.nodeIndex == nil {
		_ = d.Validate()
	}
	return d.nodeIndex[id]
}

// StartNode returns the unique START node.
func (d *Definition) StartNode() *Node {
	if d.nodeIndex == nil {
		_ = d.Validate()
	}
	for _, n := range d.Nodes {
		if n.Type == NodeStart {
			return n
		}
	}
	return nil
}

// OutgoingEdges returns a node's outgoing edges in declaration order.
func (d *Definition) OutgoingEdges(nodeID string) []Edge {
	if d.outgoing == nil {
		_ = d.Validate()
	}
	return d.outgoing[nodeID]
}

// Snapshot serializes the definition to a generic map, for storage on the
// execution record.
func (d *Definition) Snapshot() map[string]interface{} {
	data, err := json.Marshal(d)
	if err != nil {
		return map[string]interface{}{"id": d.ID, "error": fmt.Sprintf("snapshot failed: %v", err)}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"id": d.ID}
	}
	return out
}

// DefinitionFromSnapshot rebuilds a Definition from a stored snapshot.
func DefinitionFromSnapshot(snapshot map[string]interface{}) (*Definition, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, NewInternalError("SNAPSHOT_DECODE_FAILED", "failed to re-encode snapshot: %v", err)
	}
	return ParseDefinition(data)
}
