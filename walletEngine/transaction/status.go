package transaction

// Status is the lifecycle state of a transaction record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSigned    Status = "signed"
	StatusBroadcast Status = "broadcast"
	StatusConfirmed Status = "confirmed"
	StatusReplaced  Status = "replaced"
	StatusFailed    Status = "failed"
)

// Allowed transitions. replaced may go back to broadcast when the record is
// re-tracked on the replacing hash.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusFailed},
	StatusApproved:  {StatusSigned, StatusFailed},
	StatusSigned:    {StatusBroadcast, StatusFailed},
	StatusBroadcast: {StatusConfirmed, StatusReplaced, StatusFailed},
	StatusReplaced:  {StatusBroadcast},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic progress is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusReplaced:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusSigned, StatusBroadcast,
		StatusConfirmed, StatusReplaced, StatusFailed:
		return true
	default:
		return false
	}
}
