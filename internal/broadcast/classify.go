package broadcast

import "pewcast/internal/transport"

type Outcome int

const (
	Success Outcome = iota
	PermanentFailure
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PermanentFailure:
		return "permanent"
	case TransientFailure:
		return "transient"
	}
	return "unknown"
}

// Classify maps a send result to an outcome. Only an explicit
// unreachable-recipient signal from the channel is permanent; any other
// error, including generic client errors, is retryable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case transport.IsUnreachable(err):
		return PermanentFailure
	default:
		return TransientFailure
	}
}
