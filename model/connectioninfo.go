package model

// ConnectionInfo contains connection info.
type ConnectionInfo struct {
	// Client is the endpoint of the caller.
	Client string `json:"client"`

	// Server is the endpoint of the listener.
	Server string `json:"server"`

	// UUID is the internal unique identifier of this session.
	UUID string `json:"uuid"`

	// Query is the raw query of the session request, as seen by the
	// listener.
	Query string `json:"-"`
}
