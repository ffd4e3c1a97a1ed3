package policy

// IdempotencyCheck is the replay answer for a destructive-action key.
type IdempotencyCheck struct {
	AlreadyExecuted bool
	PreviousResult  string
}

// CheckIdempotencyKey reports whether key was executed earlier in this run
// and, if so, the recorded result.
func (e *Engine) CheckIdempotencyKey(key string) IdempotencyCheck {
	if key == "" {
		return IdempotencyCheck{}
	}
	if prev, ok := e.ledger.Get(key); ok {
		result, _ := prev.(string)
		return IdempotencyCheck{AlreadyExecuted: true, PreviousResult: result}
	}
	return IdempotencyCheck{}
}

// RecordIdempotencyKey stores the result for key. The ledger is process
// local: it prevents double execution within a run, not across restarts.
func (e *Engine) RecordIdempotencyKey(key, result string) {
	if key == "" {
		return
	}
	e.ledger.SetDefault(key, result)
}
