// Package constants provides shared constants used across the codebase.
package constants

// Enrollment constants
const (
	// MinEnrollmentPhotos is the default minimum number of usable photos per student
	MinEnrollmentPhotos = 2

	// DefaultConcurrency is the default number of parallel enrollment workers
	DefaultConcurrency = 4
)

// Query constants
const (
	// DefaultRecentLimit is the number of ledger entries reported as recent activity
	DefaultRecentLimit = 20

	// DefaultNearestLimit is the default number of identities returned by a nearest search
	DefaultNearestLimit = 5
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// Upload constants
const (
	// MaxProbeSize is the maximum probe image size in bytes (10MB)
	MaxProbeSize = 10 << 20

	// MaxUploadSize is the maximum enrollment upload size in bytes (100MB)
	MaxUploadSize = 100 << 20
)
