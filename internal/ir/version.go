package ir

// Version constants.
const (
	// FormatVersion is the durable snapshot format written by this build.
	// Version 0 documents (no "format" field) are upgraded on load.
	FormatVersion = 1

	// KernelVersion is the kernel library version.
	KernelVersion = "0.1.0"
)
