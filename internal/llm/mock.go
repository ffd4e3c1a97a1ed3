package llm

import (
	"context"
	"sync"

	"arbiter/internal/budget"
	"arbiter/internal/types"
)

// MockProvider is a scriptable in-process provider for tests and standalone
// mode. Responses are consumed in order; when the queue is empty the default
// response repeats.
type MockProvider struct {
	mu        sync.Mutex
	id        string
	name      string
	model     string
	local     bool
	healthy   bool
	queue     []CompletionResult
	fallback  CompletionResult
	completes int
	calls     [][]types.TaggedMessage
	failWith  error
}

// NewMock creates a healthy mock provider with a canned default response.
func NewMock(id string) *MockProvider {
	return &MockProvider{
		id:      id,
		name:    "mock-" + id,
		model:   "local",
		local:   true,
		healthy: true,
		fallback: CompletionResult{
			Content:      "mock completion",
			Model:        "local",
			ProviderID:   id,
			InputTokens:  100,
			OutputTokens: 50,
			StopReason:   StopEndTurn,
		},
	}
}

// Enqueue scripts the next responses in order.
func (m *MockProvider) Enqueue(results ...CompletionResult) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, results...)
	return m
}

// SetDefault replaces the fallback response.
func (m *MockProvider) SetDefault(result CompletionResult) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = result
	return m
}

// FailWith makes every Complete call return err.
func (m *MockProvider) FailWith(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	return m
}

// SetLocal toggles local-only eligibility.
func (m *MockProvider) SetLocal(local bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = local
	return m
}

// SetHealthy toggles the self-reported health.
func (m *MockProvider) SetHealthy(healthy bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	return m
}

// Completions returns how many Complete calls succeeded.
func (m *MockProvider) Completions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completes
}

// LastMessages returns the message list of the most recent call.
func (m *MockProvider) LastMessages() []types.TaggedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

func (m *MockProvider) ID() string   { return m.id }
func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) CanHandle(task Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.RequiresLocalOnly && !m.local {
		return false
	}
	return true
}

func (m *MockProvider) EstimateCost(prompt string, maxTokens int) CostEstimate {
	inputTokens := budget.EstimateTokens(prompt)
	return CostEstimate{
		InputTokens:  inputTokens,
		OutputTokens: maxTokens,
		Dollars:      budget.EstimateCost(m.model, inputTokens, maxTokens),
	}
}

func (m *MockProvider) Complete(_ context.Context, systemPrompt string, messages []types.TaggedMessage, _ Options) (CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recorded := make([]types.TaggedMessage, 0, len(messages)+1)
	recorded = append(recorded, types.SystemMessage(systemPrompt))
	recorded = append(recorded, messages...)
	m.calls = append(m.calls, recorded)

	if m.failWith != nil {
		return CompletionResult{}, &FailureError{ProviderID: m.id, Err: m.failWith}
	}

	result := m.fallback
	if len(m.queue) > 0 {
		result = m.queue[0]
		m.queue = m.queue[1:]
	}
	if result.ProviderID == "" {
		result.ProviderID = m.id
	}
	if result.Model == "" {
		result.Model = m.model
	}
	if result.LatencyMS == 0 {
		result.LatencyMS = 1
	}
	m.completes++
	return result, nil
}

func (m *MockProvider) Health(context.Context) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return Health{Healthy: false, Detail: "mock marked unhealthy"}
	}
	return Health{Healthy: true}
}
