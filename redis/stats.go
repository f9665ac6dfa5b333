// stats.go
// Session statistics, written when a session ends.

package redis

import (
	"context"
	"encoding/json"
	"time"
)

const (
	statsPrefix = "teleview_stats:"
	statsTTL    = 24 * time.Hour
)

// SessionStats summarizes a finished session.
type SessionStats struct {
	UUID      string    `json:"uuid"`
	Role      string    `json:"role"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// Server side counters.
	FramesPushed uint64 `json:"frames_pushed,omitempty"`
	PosesApplied int64  `json:"poses_applied,omitempty"`
	// Client side counters.
	PosesSent      int64 `json:"poses_sent,omitempty"`
	FramesReceived int64 `json:"frames_received,omitempty"`
	Samples        int   `json:"samples,omitempty"`
	MinRTT         int64 `json:"min_rtt_us,omitempty"`
	// Terminated is set when an operator ended the session.
	Terminated bool `json:"terminated,omitempty"`
}

// SetSessionStats stores stats under its UUID.
func (c *Client) SetSessionStats(ctx context.Context, stats *SessionStats) error {
	key := statsPrefix + stats.UUID
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, statsTTL).Err()
}

// GetSessionStats returns the stats stored for uuid.
func (c *Client) GetSessionStats(ctx context.Context, uuid string) (*SessionStats, error) {
	key := statsPrefix + uuid
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var stats SessionStats
	err = json.Unmarshal(data, &stats)
	return &stats, err
}
