package orchestrator

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"arbiter/internal/storage"
	"arbiter/internal/types"
)

// Node is one task in the dependency graph.
type Node struct {
	ID        string               `json:"id"`
	Task      types.TaskDefinition `json:"task"`
	DependsOn []string             `json:"depends_on,omitempty"`
	Status    storage.TaskStatus   `json:"status"`
	Result    string               `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// DAG owns the dependency graph across all submitted tasks. Status
// transitions are monotone except halted_for_approval -> in_progress on
// approval and interrupted -> in_progress on resume.
type DAG struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

// NewDAG creates an empty graph.
func NewDAG() *DAG {
	return &DAG{nodes: make(map[string]*Node)}
}

// AddTasks assigns fresh ids to a batch of task definitions and inserts them
// as pending nodes. DependsOn entries are zero-based indices into the batch;
// unknown references and cycles are rejected before anything is inserted.
func (d *DAG) AddTasks(tasks []types.TaskDefinition) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = uuid.NewString()
	}

	batch := make([]*Node, len(tasks))
	for i, task := range tasks {
		deps := make([]string, 0, len(task.DependsOn))
		for _, ref := range task.DependsOn {
			idx, err := strconv.Atoi(ref)
			if err != nil || idx < 0 || idx >= len(tasks) {
				return nil, fmt.Errorf("task %d: unknown dependency %q", i, ref)
			}
			if idx == i {
				return nil, fmt.Errorf("task %d depends on itself", i)
			}
			deps = append(deps, ids[idx])
		}
		batch[i] = &Node{ID: ids[i], Task: task, DependsOn: deps, Status: storage.TaskPending}
	}

	if err := checkAcyclic(batch); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range batch {
		d.nodes[node.ID] = node
	}
	return ids, nil
}

// checkAcyclic runs Kahn's algorithm over the batch.
func checkAcyclic(batch []*Node) error {
	indegree := make(map[string]int, len(batch))
	out := make(map[string][]string, len(batch))
	for _, node := range batch {
		indegree[node.ID] += 0
		for _, dep := range node.DependsOn {
			indegree[node.ID]++
			out[dep] = append(out[dep], node.ID)
		}
	}
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range out[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(batch) {
		return fmt.Errorf("dependency cycle detected")
	}
	return nil
}

// Ready returns pending nodes whose dependencies are all completed and
// transitions them to in_progress.
func (d *DAG) Ready() []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []*Node
	for _, node := range d.nodes {
		if node.Status != storage.TaskPending {
			continue
		}
		if d.depsCompletedLocked(node) {
			node.Status = storage.TaskInProgress
			ready = append(ready, cloneNode(node))
		}
	}
	return ready
}

func (d *DAG) depsCompletedLocked(node *Node) bool {
	for _, dep := range node.DependsOn {
		parent := d.nodes[dep]
		if parent == nil || parent.Status != storage.TaskCompleted {
			return false
		}
	}
	return true
}

// SetStatus transitions one node.
func (d *DAG) SetStatus(id string, status storage.TaskStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node := d.nodes[id]; node != nil {
		node.Status = status
	}
}

// Complete marks a node completed with its result.
func (d *DAG) Complete(id, result string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node := d.nodes[id]; node != nil {
		node.Status = storage.TaskCompleted
		node.Result = result
	}
}

// Fail marks a node failed and cascades: any pending node all of whose
// dependencies are now failed is failed too, iteratively. Pending nodes with
// at least one non-failed dependency stay pending. The cascaded ids are
// returned, excluding the original.
func (d *DAG) Fail(id, errMsg string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	node := d.nodes[id]
	if node == nil {
		return nil
	}
	node.Status = storage.TaskFailed
	node.Error = errMsg

	var cascaded []string
	for {
		changed := false
		for _, n := range d.nodes {
			if n.Status != storage.TaskPending || len(n.DependsOn) == 0 {
				continue
			}
			allFailed := true
			for _, dep := range n.DependsOn {
				parent := d.nodes[dep]
				if parent == nil || parent.Status != storage.TaskFailed {
					allFailed = false
					break
				}
			}
			if allFailed {
				n.Status = storage.TaskFailed
				n.Error = "dependency failed"
				cascaded = append(cascaded, n.ID)
				changed = true
			}
		}
		if !changed {
			return cascaded
		}
	}
}

// Node returns a copy of one node.
func (d *DAG) Node(id string) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := d.nodes[id]
	if node == nil {
		return Node{}, false
	}
	return *cloneNode(node), true
}

// Active returns ids of nodes that are in progress or halted.
func (d *DAG) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, node := range d.nodes {
		switch node.Status {
		case storage.TaskInProgress, storage.TaskHaltedForApproval, storage.TaskInterruptedStatus:
			out = append(out, node.ID)
		}
	}
	return out
}

func cloneNode(node *Node) *Node {
	clone := *node
	clone.DependsOn = append([]string(nil), node.DependsOn...)
	return &clone
}
