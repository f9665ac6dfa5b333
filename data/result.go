// Package data contains the archival record of a teleview session.
package data

import (
	"time"

	"github.com/teleview/teleview-server/metadata"
	"github.com/teleview/teleview-server/model"
)

// CurrentSchemaVersion is the current version of the SessionResult struct
// below. It is included in serialized result files and must be incremented
// for every structure change so that readers can keep parsing old records.
const CurrentSchemaVersion = 1

// SessionResult is the struct that is serialized as JSON to disk as the
// archival record of a session, by each peer.
type SessionResult struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string
	// SchemaVersion is the version of the SessionResult structure.
	SchemaVersion int

	// Role is "render" or "client".
	Role string
	UUID string

	// All data members should all be self-describing. In the event of confusion,
	// rename them to add clarity rather than adding a comment.
	Connection model.ConnectionInfo
	Media      model.MediaConfig

	StartTime time.Time
	EndTime   time.Time
	// EndReason is empty for normal closures.
	EndReason string `json:",omitempty"`

	ClientMetadata []metadata.NameValue `json:",omitempty"`
	ServerMetadata []metadata.NameValue `json:",omitempty"`

	Render     *RenderData     `json:",omitempty"`
	Experiment *ExperimentData `json:",omitempty"`
}

// RenderData is the record of the render side.
type RenderData struct {
	Device       string
	Mode         string
	FramesPushed uint64
	PosesApplied int64
	Malformed    int64
	Terminated   bool
}

// Sample is one experiment sample as archived.
type Sample struct {
	Index     int
	ServerFPS float64
	ClientFPS float64
	RTTMillis float64
	Frame     bool
}

// ExperimentData is the record of the client side.
type ExperimentData struct {
	Phase          string
	PosesSent      int64
	FramesReceived int64
	Samples        []Sample
	EchoRTT        model.PingInfo
	Artifacts      []string
	ArtifactDir    string
	Aborted        bool
}
