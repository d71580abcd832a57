package models

// ProgressSnapshot is the latest known progress of a running backup.
// It is ephemeral: owned by the run that produced it and discarded when the
// run ends. Fraction is monotonically non-decreasing within one run.
type ProgressSnapshot struct {
	Fraction         float64 // 0.0 - 1.0
	NFiles           int
	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
	ElapsedSeconds   float64
	CurrentPath      string
}
