package model

import "time"

// SyncCheckpoint is the synchronizer's only persisted progress marker.
// Height is monotonically non-decreasing; one row per chain.
type SyncCheckpoint struct {
	ChainID   uint64
	Height    uint64
	UpdatedAt time.Time
}
