// Package role classifies a node's relationship to the connections it holds.
//
// A node can hold an upstream link (it is a client of another node) and any
// number of downstream sessions (it is a server). The combination decides
// whether events are handled locally or relayed.
package role

// Flags are the raw connection-direction booleans a node reports.
type Flags struct {
	Client     bool
	Server     bool
	Terminable bool
}

// Roles is the full classification derived from Flags.
type Roles struct {
	Local      bool
	Client     bool
	Server     bool
	Proxy      bool
	Terminable bool
}

// Derive classifies a set of flags. It is total over all eight inputs and
// performs no validation; contradictory combinations are reported as-is.
func Derive(f Flags) Roles {
	return Roles{
		Local:      (!f.Client && !f.Server) || (f.Client && f.Terminable),
		Client:     f.Client,
		Server:     f.Server,
		Proxy:      f.Client && f.Server,
		Terminable: f.Terminable,
	}
}

// State is the tagged connection state of a node.
type State uint8

const (
	// Local: no upstream link and no sessions.
	Local State = iota
	// Client: upstream link, no sessions.
	Client
	// Server: sessions, no upstream link.
	Server
	// Proxy: upstream link and sessions; traffic passes through.
	Proxy
)

// String returns the role name.
func (s State) String() string {
	switch s {
	case Local:
		return "local"
	case Client:
		return "client"
	case Server:
		return "server"
	case Proxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// HasUpstream reports whether the state includes an upstream link.
func (s State) HasUpstream() bool {
	return s == Client || s == Proxy
}

// HasSessions reports whether the state includes downstream sessions.
func (s State) HasSessions() bool {
	return s == Server || s == Proxy
}

// ConnectUpstream returns the state after an upstream link is established.
func (s State) ConnectUpstream() State {
	switch s {
	case Local:
		return Client
	case Server:
		return Proxy
	default:
		return s
	}
}

// DisconnectUpstream returns the state after the upstream link is dropped.
func (s State) DisconnectUpstream() State {
	switch s {
	case Client:
		return Local
	case Proxy:
		return Server
	default:
		return s
	}
}

// AcceptSession returns the state after a session is admitted.
func (s State) AcceptSession() State {
	switch s {
	case Local:
		return Server
	case Client:
		return Proxy
	default:
		return s
	}
}

// DropLastSession returns the state after the last session disconnects.
func (s State) DropLastSession() State {
	switch s {
	case Server:
		return Local
	case Proxy:
		return Client
	default:
		return s
	}
}

// Flags maps the state back to raw flags.
func (s State) Flags(terminable bool) Flags {
	return Flags{
		Client:     s.HasUpstream(),
		Server:     s.HasSessions(),
		Terminable: terminable,
	}
}

// Roles derives the full classification for the state.
func (s State) Roles(terminable bool) Roles {
	return Derive(s.Flags(terminable))
}
