package types

// Shared thresholds and scaling constants used across the mitigation stages.
const (
	// CriticalThreshold separates trappable energy from energy that is too fast to hold
	CriticalThreshold = 8.0 / 9.0
	G1                = 5.0 / 9.0
	G3                = 1.0 / 3.0
	G5                = 1.0 / 9.0

	Phi       = 1.6180339887498948482
	Expansion = 2.718281828459045

	// CaptureFloor is the exclusive lower bound of the capture band
	CaptureFloor = 0.1
)
