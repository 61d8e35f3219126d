package provider

import "math"

// Progress bands used by polling adapters. The executor reserves 0-20 for its own
// bookkeeping and caps everything reported before completion at MaxReported.
const (
	QueuedFloor     = 30
	QueuedCeiling   = 40
	ProcessingFloor = 40
	ProcessingCap   = 80
	MaxReported     = 90
)

// QueuedProgress maps a queue position to 30-40, approaching 40 as the job nears the front.
func QueuedProgress(position int) int {
	if position < 0 {
		position = 0
	}
	span := QueuedCeiling - QueuedFloor
	if position >= span {
		return QueuedFloor
	}
	return QueuedCeiling - position
}

// ProcessingProgress maps the number of processing observations to 40-80. The curve
// saturates and stays strictly below 80.
func ProcessingProgress(ticks int) int {
	if ticks <= 0 {
		return ProcessingFloor
	}
	span := float64(ProcessingCap - ProcessingFloor)
	pct := ProcessingFloor + int(math.Floor(span*(1-math.Exp(-float64(ticks)/8))))
	if pct >= ProcessingCap {
		pct = ProcessingCap - 1
	}
	return pct
}

// Clamp bounds a reported value to [0, MaxReported].
func Clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > MaxReported {
		return MaxReported
	}
	return pct
}
