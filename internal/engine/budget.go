package engine

// retryBudget limits how many times one transaction may wait in retry.
//
// Unlike conflicts, which the policy handles, retries depend on other
// transactions making progress; the budget bounds a transaction whose
// precondition never becomes true.
type retryBudget struct {
	max  int // < 0 means unlimited
	used int
}

func newRetryBudget(max int) *retryBudget {
	return &retryBudget{max: max}
}

// take consumes one retry. It returns false once the budget is spent.
func (b *retryBudget) take() bool {
	if b.max >= 0 && b.used >= b.max {
		return false
	}
	b.used++
	return true
}

// Used returns the number of retries consumed.
func (b *retryBudget) Used() int {
	return b.used
}
