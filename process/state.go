package process

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// maskPlaceholder replaces sensitive values in exports and logs.
const maskPlaceholder = "***REDACTED***"

// VariableChange is one entry in the state's audit trail.
type VariableChange struct {
	Name      string    `json:"name"`
	ChangedBy string    `json:"changed_by"`
	At        time.Time `json:"at"`
}

// LoopFrame tracks one active LOOP iteration context. Frames nest; the
// innermost frame is the active one.
type LoopFrame struct {
	NodeID     string        `json:"node_id"`
	Items      []interface{} `json:"items"`
	ItemVar    string        `json:"item_var"`
	IndexVar   string        `json:"index_var,omitempty"`
	Index      int           `json:"index"`
	BodyNodes  []string      `json:"body_nodes"`
	ExitNodeID string        `json:"exit_node_id,omitempty"`
	Results    []interface{} `json:"results,omitempty"`
}

// InBody reports whether a node belongs to this frame's loop body.
func (f *LoopFrame) InBody(nodeID string) bool {
	for _, id := range f.BodyNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Advance moves to the next item. Returns false when items are exhausted.
func (f *LoopFrame) Advance() bool {
	f.Index++
	return f.Index < len(f.Items)
}

// State is the mutable context of one process execution: the variable bag,
// progress tracking, loop frames, and internal counters.
//
// All methods are safe for concurrent use; parallel branches run on
// snapshots and merge back through MergeFrom.
type State struct {
	mu sync.RWMutex

	variables map[string]interface{}
	sensitive map[string]bool
	changeLog []VariableChange

	completedNodes []string
	skippedNodes   []string
	nodeOutputs    map[string]interface{}
	currentNodeID  string

	loopFrames []*LoopFrame

	// counters holds engine-internal counts (WHILE iteration counters);
	// they never appear in variables or exported checkpoints' variables.
	counters map[string]int

	// Baselines mark sequence lengths at snapshot time so a branch merge
	// replays only the branch's own writes and completions.
	baselineChanges   int
	baselineCompleted int
	baselineSkipped   int

	clock func() time.Time
}

// NewState creates a State seeded with the definition's variable defaults.
func NewState(def *Definition, clock func() time.Time) *State {
	if clock == nil {
		clock = time.Now
	}
	s := &State{
		variables:   make(map[string]interface{}),
		sensitive:   make(map[string]bool),
		nodeOutputs: make(map[string]interface{}),
		counters:    make(map[string]int),
		clock:       clock,
	}
	if def != nil {
		for _, v := range def.Variables {
			if v.Default != nil {
				s.variables[v.Name] = deepCopyValue(v.Default)
			}
			if v.Sensitive {
				s.sensitive[v.Name] = true
			}
		}
	}
	return s
}

// SetVariable writes one variable and records the change attribution.
func (s *State) SetVariable(name string, value interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[name] = value
	s.changeLog = append(s.changeLog, VariableChange{Name: name, ChangedBy: changedBy, At: s.clock()})
}

// SetVariables writes several variables under one attribution.
func (s *State) SetVariables(values map[string]interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.clock()
	for name, value := range values {
		s.variables[name] = value
		s.changeLog = append(s.changeLog, VariableChange{Name: name, ChangedBy: changedBy, At: at})
	}
}

// GetVariable reads one variable.
func (s *State) GetVariable(name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[name]
	return v, ok
}

// Variables returns a copy of the variable bag.
func (s *State) Variables() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// ExportVariables returns a copy of the variable bag with sensitive
// values replaced by the mask. Suitable for audit records.
func (s *State) ExportVariables() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.variables))
	for k, v := range s.variables {
		if s.sensitive[k] {
			out[k] = maskPlaceholder
		} else {
			out[k] = deepCopyValue(v)
		}
	}
	return out
}

// MarkSensitive flags a variable name as sensitive after construction.
func (s *State) MarkSensitive(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensitive[name] = true
}

// ChangeLog returns a copy of the variable audit trail.
func (s *State) ChangeLog() []VariableChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VariableChange, len(s.changeLog))
	copy(out, s.changeLog)
	return out
}

// MarkCompleted appends a node to the completion sequence. A node can
// appear once per loop iteration, so the sequence may repeat ids.
func (s *State) MarkCompleted(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedNodes = append(s.completedNodes, nodeID)
}

// MarkSkipped records a skipped node.
func (s *State) MarkSkipped(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedNodes = append(s.skippedNodes, nodeID)
}

// CompletedNodes returns a copy of the completion sequence.
func (s *State) CompletedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.completedNodes))
	copy(out, s.completedNodes)
	return out
}

// SkippedNodes returns a copy of the skipped-node list.
func (s *State) SkippedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.skippedNodes))
	copy(out, s.skippedNodes)
	return out
}

// CompletedCount is the number of completed node executions.
func (s *State) CompletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.completedNodes)
}

// HasCompleted reports whether a node completed at least once.
func (s *State) HasCompleted(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.completedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// SetNodeOutput records a node's output, keyed by node id. Later
// executions of the same node (loop iterations) overwrite.
func (s *State) SetNodeOutput(nodeID string, output interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeOutputs[nodeID] = output
}

// NodeOutput reads a node's recorded output.
func (s *State) NodeOutput(nodeID string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.nodeOutputs[nodeID]
	return v, ok
}

// NodeOutputs returns a copy of all recorded node outputs.
func (s *State) NodeOutputs() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.nodeOutputs))
	for k, v := range s.nodeOutputs {
		out[k] = v
	}
	return out
}

// SetCurrent records the node the engine is at.
func (s *State) SetCurrent(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentNodeID = nodeID
}

// Current returns the node the engine is at.
func (s *State) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentNodeID
}

// PushLoop opens a loop frame and publishes its first item.
func (s *State) PushLoop(frame *LoopFrame) {
	s.mu.Lock()
	s.loopFrames = append(s.loopFrames, frame)
	s.mu.Unlock()
	s.publishLoopVars(frame)
}

// CurrentLoop returns the innermost loop frame, or nil.
func (s *State) CurrentLoop() *LoopFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.loopFrames) == 0 {
		return nil
	}
	return s.loopFrames[len(s.loopFrames)-1]
}

// AdvanceLoop moves the innermost frame to its next item, publishing the
// item variables. Returns false when the frame is exhausted.
func (s *State) AdvanceLoop() bool {
	frame := s.CurrentLoop()
	if frame == nil {
		return false
	}
	s.mu.Lock()
	more := frame.Advance()
	s.mu.Unlock()
	if more {
		s.publishLoopVars(frame)
	}
	return more
}

// PopLoop closes the innermost frame and returns it.
func (s *State) PopLoop() *LoopFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.loopFrames) == 0 {
		return nil
	}
	frame := s.loopFrames[len(s.loopFrames)-1]
	s.loopFrames = s.loopFrames[:len(s.loopFrames)-1]
	return frame
}

// AppendLoopResult records one iteration's result on the innermost frame.
func (s *State) AppendLoopResult(result interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.loopFrames) == 0 {
		return
	}
	frame := s.loopFrames[len(s.loopFrames)-1]
	frame.Results = append(frame.Results, result)
}

func (s *State) publishLoopVars(frame *LoopFrame) {
	if frame.Index >= len(frame.Items) {
		return
	}
	updates := map[string]interface{}{frame.ItemVar: frame.Items[frame.Index]}
	if frame.IndexVar != "" {
		updates[frame.IndexVar] = frame.Index
	}
	s.SetVariables(updates, frame.NodeID)
}

// IncrCounter bumps an internal counter and returns the new value.
func (s *State) IncrCounter(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key]
}

// Counter reads an internal counter.
func (s *State) Counter(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key]
}

// ResetCounter clears an internal counter.
func (s *State) ResetCounter(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
}

// MaskSensitive replaces any sensitive variable's string value occurring
// in the input text.
func (s *State) MaskSensitive(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name := range s.sensitive {
		if v, ok := s.variables[name]; ok {
			str := fmt.Sprintf("%v", v)
			if str != "" && strings.Contains(text, str) {
				text = strings.ReplaceAll(text, str, maskPlaceholder)
			}
		}
	}
	return text
}

// MaskValue applies sensitive masking to a value of any shape: strings
// directly, structured values through a JSON round trip. Values that do
// not survive the round trip collapse to the mask.
func (s *State) MaskValue(v interface{}) interface{} {
	s.mu.RLock()
	var secrets []string
	for name := range s.sensitive {
		if val, ok := s.variables[name]; ok {
			if str := fmt.Sprintf("%v", val); str != "" {
				secrets = append(secrets, str)
			}
		}
	}
	s.mu.RUnlock()
	if v == nil || len(secrets) == 0 {
		return v
	}
	if str, ok := v.(string); ok {
		return s.MaskSensitive(str)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return maskPlaceholder
	}
	text := string(data)
	hit := false
	for _, secret := range secrets {
		if strings.Contains(text, secret) {
			text = strings.ReplaceAll(text, secret, maskPlaceholder)
			hit = true
		}
	}
	if !hit {
		return v
	}
	var out interface{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return maskPlaceholder
	}
	return out
}

// Checkpoint is a serializable snapshot of execution state, sufficient to
// resume a paused or crashed run.
type Checkpoint struct {
	Variables      map[string]interface{} `json:"variables"`
	SensitiveNames []string               `json:"sensitive_names,omitempty"`
	CompletedNodes []string               `json:"completed_nodes"`
	SkippedNodes   []string               `json:"skipped_nodes,omitempty"`
	NodeOutputs    map[string]interface{} `json:"node_outputs,omitempty"`
	CurrentNodeID  string                 `json:"current_node_id,omitempty"`
	LoopFrames     []*LoopFrame           `json:"loop_frames,omitempty"`
	Counters       map[string]int         `json:"counters,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// CreateCheckpoint snapshots the state with real variable values; use
// ExportCheckpoint for anything leaving the trust boundary.
func (s *State) CreateCheckpoint() *Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &Checkpoint{
		Variables:      make(map[string]interface{}, len(s.variables)),
		CompletedNodes: append([]string(nil), s.completedNodes...),
		SkippedNodes:   append([]string(nil), s.skippedNodes...),
		NodeOutputs:    make(map[string]interface{}, len(s.nodeOutputs)),
		CurrentNodeID:  s.currentNodeID,
		Counters:       make(map[string]int, len(s.counters)),
		CreatedAt:      s.clock(),
	}
	for k, v := range s.variables {
		cp.Variables[k] = deepCopyValue(v)
	}
	for k, v := range s.nodeOutputs {
		cp.NodeOutputs[k] = deepCopyValue(v)
	}
	for k, v := range s.counters {
		cp.Counters[k] = v
	}
	for name := range s.sensitive {
		cp.SensitiveNames = append(cp.SensitiveNames, name)
	}
	for _, f := range s.loopFrames {
		cp.LoopFrames = append(cp.LoopFrames, deepCopyFrame(f))
	}
	return cp
}

// ExportCheckpoint is CreateCheckpoint with sensitive variable values
// replaced by a mask. Suitable for UIs and logs; not resumable.
func (s *State) ExportCheckpoint() *Checkpoint {
	cp := s.CreateCheckpoint()
	for _, name := range cp.SensitiveNames {
		if _, ok := cp.Variables[name]; ok {
			cp.Variables[name] = maskPlaceholder
		}
	}
	return cp
}

// RestoreCheckpoint replaces the state's content with a checkpoint's.
func (s *State) RestoreCheckpoint(cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.variables = make(map[string]interface{}, len(cp.Variables))
	for k, v := range cp.Variables {
		s.variables[k] = deepCopyValue(v)
	}
	s.sensitive = make(map[string]bool, len(cp.SensitiveNames))
	for _, name := range cp.SensitiveNames {
		s.sensitive[name] = true
	}
	s.completedNodes = append([]string(nil), cp.CompletedNodes...)
	s.skippedNodes = append([]string(nil), cp.SkippedNodes...)
	s.nodeOutputs = make(map[string]interface{}, len(cp.NodeOutputs))
	for k, v := range cp.NodeOutputs {
		s.nodeOutputs[k] = deepCopyValue(v)
	}
	s.currentNodeID = cp.CurrentNodeID
	s.counters = make(map[string]int, len(cp.Counters))
	for k, v := range cp.Counters {
		s.counters[k] = v
	}
	s.loopFrames = nil
	for _, f := range cp.LoopFrames {
		s.loopFrames = append(s.loopFrames, deepCopyFrame(f))
	}
}

// ToMap serializes the checkpoint for storage.
func (cp *Checkpoint) ToMap() map[string]interface{} {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// CheckpointFromMap rebuilds a checkpoint from its stored form.
func CheckpointFromMap(m map[string]interface{}) (*Checkpoint, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Snapshot deep-copies the state for an isolated parallel branch. The
// copy's change-log baseline is set so MergeFrom replays only writes made
// inside the branch.
func (s *State) Snapshot() *State {
	cp := s.CreateCheckpoint()
	branch := NewState(nil, s.clock)
	branch.RestoreCheckpoint(cp)

	s.mu.RLock()
	branch.changeLog = append([]VariableChange(nil), s.changeLog...)
	s.mu.RUnlock()
	branch.baselineChanges = len(branch.changeLog)
	branch.baselineCompleted = len(branch.completedNodes)
	branch.baselineSkipped = len(branch.skippedNodes)
	return branch
}

// MergeFrom applies a branch's writes back into this state: variables the
// branch changed (last write wins), its node outputs, and its completion
// and skip records.
func (s *State) MergeFrom(branch *State) {
	branch.mu.RLock()
	changed := make(map[string]bool)
	for _, c := range branch.changeLog[branch.baselineChanges:] {
		changed[c.Name] = true
	}
	vars := make(map[string]interface{}, len(changed))
	for name := range changed {
		if v, ok := branch.variables[name]; ok {
			vars[name] = v
		}
	}
	outputs := make(map[string]interface{}, len(branch.nodeOutputs))
	for k, v := range branch.nodeOutputs {
		outputs[k] = v
	}
	completed := append([]string(nil), branch.completedNodes...)
	skipped := append([]string(nil), branch.skippedNodes...)
	baseCompleted := branch.baselineCompleted
	baseSkipped := branch.baselineSkipped
	branch.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, v := range vars {
		s.variables[name] = v
		s.changeLog = append(s.changeLog, VariableChange{Name: name, ChangedBy: "merge", At: s.clock()})
	}
	for k, v := range outputs {
		s.nodeOutputs[k] = v
	}
	// Only the branch's own completions, not the inherited prefix.
	if baseCompleted < len(completed) {
		s.completedNodes = append(s.completedNodes, completed[baseCompleted:]...)
	}
	if baseSkipped < len(skipped) {
		s.skippedNodes = append(s.skippedNodes, skipped[baseSkipped:]...)
	}
}

func deepCopyFrame(f *LoopFrame) *LoopFrame {
	cp := &LoopFrame{
		NodeID:     f.NodeID,
		ItemVar:    f.ItemVar,
		IndexVar:   f.IndexVar,
		Index:      f.Index,
		ExitNodeID: f.ExitNodeID,
		BodyNodes:  append([]string(nil), f.BodyNodes...),
	}
	for _, item := range f.Items {
		cp.Items = append(cp.Items, deepCopyValue(item))
	}
	for _, r := range f.Results {
		cp.Results = append(cp.Results, deepCopyValue(r))
	}
	return cp
}

// deepCopyValue clones a JSON-shaped value through a marshal round trip.
// Non-serializable values are returned as-is.
func deepCopyValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, int, int64, float64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
