// Package pipeline wires the ingestion stages together:
//
//	network source -> TransferQueue -> Decoder -> LatestStore -> readers
//
// The source and the decoder are the only long-lived goroutines. Both poll
// the stop signal (a cancelled context) at least every poll interval, so
// Controller.Stop completes within the shutdown timeout even when no
// datagrams arrive. The queue is the only structure they share; readers
// share only the store, which swaps an immutable snapshot pointer.
package pipeline
