package interfaces

// Typed request-lifecycle errors. The HTTP layer translates these into
// status codes exactly once; everything below it returns them unwrapped.

type ClientDisconnectedError struct{ Msg string }

func (e *ClientDisconnectedError) Error() string {
	if e.Msg == "" {
		return "client disconnected"
	}
	return e.Msg
}

type BadRequestError struct{ Msg string }

func (e *BadRequestError) Error() string {
	if e.Msg == "" {
		return "bad request"
	}
	return e.Msg
}

type InvalidModelError struct{ Msg string }

func (e *InvalidModelError) Error() string {
	if e.Msg == "" {
		return "invalid model"
	}
	return e.Msg
}

type ModelSwitchError struct{ Msg string }

func (e *ModelSwitchError) Error() string {
	if e.Msg == "" {
		return "model switch failed"
	}
	return e.Msg
}

type PageNotReadyError struct{ Msg string }

func (e *PageNotReadyError) Error() string {
	if e.Msg == "" {
		return "browser page is not ready"
	}
	return e.Msg
}

type UpstreamError struct{ Msg string }

func (e *UpstreamError) Error() string {
	if e.Msg == "" {
		return "upstream page error"
	}
	return e.Msg
}

type EmptyResponseError struct{ UpstreamError }

type RateLimitError struct{ Msg string }

func (e *RateLimitError) Error() string {
	if e.Msg == "" {
		return "upstream rate limit"
	}
	return e.Msg
}

// QuotaExceededError unwinds the current request so it can be re-queued
// while a rotation runs. Model names the exhausted model when known.
type QuotaExceededError struct {
	Msg   string
	Model string
}

func (e *QuotaExceededError) Error() string {
	if e.Msg == "" {
		return "quota exceeded"
	}
	return e.Msg
}

type ResponseTimeoutError struct{ Msg string }

func (e *ResponseTimeoutError) Error() string {
	if e.Msg == "" {
		return "response timed out"
	}
	return e.Msg
}

type GateTimeoutError struct{ Msg string }

func (e *GateTimeoutError) Error() string {
	if e.Msg == "" {
		return "state resolution timeout"
	}
	return e.Msg
}
