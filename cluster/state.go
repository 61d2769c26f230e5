package cluster

type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTornDown:
		return "torn-down"
	}
	return "unknown"
}

type Kind int

const (
	KindStandalone Kind = iota
	KindMasterSlave
	KindReplicated
	KindSharded
)

func (k Kind) String() string {
	switch k {
	case KindStandalone:
		return "standalone"
	case KindMasterSlave:
		return "master-slave"
	case KindReplicated:
		return "replica-set"
	case KindSharded:
		return "sharded"
	}
	return "unknown"
}
