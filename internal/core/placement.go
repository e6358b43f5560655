package core

// PlacementOutcome is the tri-state result of an order placement call.
type PlacementOutcome int

const (
	PlacementUnknown PlacementOutcome = iota
	PlacementSucceeded
	PlacementFailed
)

func (o PlacementOutcome) String() string {
	switch o {
	case PlacementSucceeded:
		return "succeeded"
	case PlacementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type PlacementResult struct {
	Outcome         PlacementOutcome
	ExchangeOrderID string
	// Confirmed is set when the id was recovered by a confirm query after an ambiguous failure.
	Confirmed bool
	Err       error
}

func Succeeded(exchangeOrderID string) PlacementResult {
	return PlacementResult{Outcome: PlacementSucceeded, ExchangeOrderID: exchangeOrderID}
}

func Failed(err error) PlacementResult {
	return PlacementResult{Outcome: PlacementFailed, Err: err}
}

// Unknown means the venue may or may not have accepted the order.
func Unknown(err error) PlacementResult {
	return PlacementResult{Outcome: PlacementUnknown, Err: err}
}
