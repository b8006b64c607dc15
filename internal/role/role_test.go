package role

import "testing"

func TestDerive_Total(t *testing.T) {
	for _, client := range []bool{false, true} {
		for _, server := range []bool{false, true} {
			for _, term := range []bool{false, true} {
				r := Derive(Flags{Client: client, Server: server, Terminable: term})

				if r.Proxy && !(r.Client && r.Server) {
					t.Errorf("Derive(%v,%v,%v): proxy without client and server", client, server, term)
				}
				if r.Client != client || r.Server != server || r.Terminable != term {
					t.Errorf("Derive(%v,%v,%v): direct flags not preserved: %+v", client, server, term, r)
				}

				wantLocal := !(client || server) || (client && term)
				if r.Local != wantLocal {
					t.Errorf("Derive(%v,%v,%v).Local = %v, want %v", client, server, term, r.Local, wantLocal)
				}
			}
		}
	}
}

func TestDerive_Cases(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		want  Roles
	}{
		{"idle", Flags{}, Roles{Local: true}},
		{"terminal client", Flags{Client: true, Terminable: true}, Roles{Local: true, Client: true, Terminable: true}},
		{"headless client", Flags{Client: true}, Roles{Client: true}},
		{"server", Flags{Server: true}, Roles{Server: true}},
		{"proxy", Flags{Client: true, Server: true}, Roles{Client: true, Server: true, Proxy: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Derive(tc.flags); got != tc.want {
				t.Errorf("Derive(%+v) = %+v, want %+v", tc.flags, got, tc.want)
			}
		})
	}
}

func TestState_Transitions(t *testing.T) {
	s := Local

	s = s.AcceptSession()
	if s != Server {
		t.Fatalf("AcceptSession from Local = %v, want server", s)
	}

	s = s.ConnectUpstream()
	if s != Proxy {
		t.Fatalf("ConnectUpstream from Server = %v, want proxy", s)
	}

	// Extra sessions keep the node a proxy.
	if got := s.AcceptSession(); got != Proxy {
		t.Errorf("AcceptSession from Proxy = %v, want proxy", got)
	}

	s = s.DropLastSession()
	if s != Client {
		t.Fatalf("DropLastSession from Proxy = %v, want client", s)
	}

	s = s.DisconnectUpstream()
	if s != Local {
		t.Fatalf("DisconnectUpstream from Client = %v, want local", s)
	}

	// Invalid transitions are no-ops.
	if got := Local.DisconnectUpstream(); got != Local {
		t.Errorf("DisconnectUpstream from Local = %v", got)
	}
	if got := Client.DropLastSession(); got != Client {
		t.Errorf("DropLastSession from Client = %v", got)
	}
}

func TestState_RolesConsistent(t *testing.T) {
	for _, s := range []State{Local, Client, Server, Proxy} {
		r := s.Roles(false)
		if r.Proxy != (s == Proxy) {
			t.Errorf("%v: Proxy = %v", s, r.Proxy)
		}
		if r.Local != (s == Local) {
			t.Errorf("%v: Local = %v", s, r.Local)
		}
	}

	if !Client.Roles(true).Local {
		t.Error("terminable client should be local")
	}
}

func TestState_String(t *testing.T) {
	if Proxy.String() != "proxy" || State(42).String() != "unknown" {
		t.Errorf("unexpected names: %s %s", Proxy, State(42))
	}
}
