package transcript

// InvalidInputError rejects a submission before any state is touched.
type InvalidInputError struct{ Message string }

func (e *InvalidInputError) Error() string { return e.Message }

// ConcurrentTurnError signals that an assistant turn is already open, or that
// a submission is already in flight for the conversation.
type ConcurrentTurnError struct{ Message string }

func (e *ConcurrentTurnError) Error() string { return e.Message }
