package observer

// TwapObserver is the time-weighted benchmark source a Torex quotes against.
// Implementations must be checkpoint-monotonic: checkpoints never move
// backward in time, and duration is always now minus the last checkpoint.
type TwapObserver interface {
	// CreateCheckpoint resets the benchmark clock to now.
	CreateCheckpoint(now int64) error

	// DurationSince returns now minus the last checkpoint time, in seconds.
	DurationSince(now int64) int64

	// TwapSince quotes how much out-asset inAmount of in-asset is worth at
	// the time-weighted average price observed since the last checkpoint,
	// along with the observation duration.
	TwapSince(now int64, inAmount int64) (outAmount int64, duration int64, err error)
}
