package transfer

// Role says which side of a transfer an orchestrator plays.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Status is the coarse progress of a transfer.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusConnecting     Status = "connecting"
	StatusWaitingForPeer Status = "waiting_for_peer"
	StatusReceiving      Status = "receiving"
	StatusTransferring   Status = "transferring"
	StatusComplete       Status = "complete"
	StatusError          Status = "error"
)

// Phase is the step an orchestrator is in. Senders and receivers use
// different subsets.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseDerivingKey           Phase = "deriving_key"
	PhaseAwaitingReadyAck      Phase = "awaiting_ready_ack"
	PhaseConnectingPeer        Phase = "connecting_peer"
	PhaseTransferring          Phase = "transferring"
	PhaseUploading             Phase = "uploading"
	PhaseAwaitingCompletionAck Phase = "awaiting_completion_ack"
	PhaseSendingReadyAck       Phase = "sending_ready_ack"
	PhaseReceiving             Phase = "receiving"
	PhaseValidating            Phase = "validating"
	PhaseComplete              Phase = "complete"
	PhaseError                 Phase = "error"
)

var phaseStatus = map[Phase]Status{
	PhaseIdle:                  StatusIdle,
	PhaseDerivingKey:           StatusConnecting,
	PhaseAwaitingReadyAck:      StatusWaitingForPeer,
	PhaseConnectingPeer:        StatusConnecting,
	PhaseTransferring:          StatusTransferring,
	PhaseUploading:             StatusTransferring,
	PhaseAwaitingCompletionAck: StatusTransferring,
	PhaseSendingReadyAck:       StatusConnecting,
	PhaseReceiving:             StatusReceiving,
	PhaseValidating:            StatusReceiving,
	PhaseComplete:              StatusComplete,
	PhaseError:                 StatusError,
}

// Status returns the coarse status for the phase.
func (p Phase) Status() Status {
	if s, ok := phaseStatus[p]; ok {
		return s
	}
	return StatusIdle
}

// Terminal reports whether no further transition happens without a new run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Path is how the payload travelled.
type Path string

const (
	PathNone   Path = ""
	PathInline Path = "inline"
	PathPeer   Path = "peer"
	PathCloud  Path = "cloud"
	PathRelay  Path = "relay"
)

// State is a snapshot handed to observers on every transition.
type State struct {
	Role        Role
	Status      Status
	Phase       Phase
	Path        Path
	TransferID  string
	ChunksDone  int
	ChunksTotal int
	// Err is set in the error phase.
	Err error
}

// Observer is called with the new state after every transition. Observers
// run on the orchestrator's goroutines and must not block.
type Observer func(State)
