package engine

// CommitRef identifies one commit competing for an epoch.
type CommitRef struct {
	EventID   string
	Timestamp int64
}

// Wins reports whether commit a beats commit b for the same epoch: the
// earliest claimed timestamp wins, ties broken by lexicographically smallest
// event ID. The rule is pure and total, so every member converges on the
// same winner regardless of arrival order.
func Wins(a, b CommitRef) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.EventID < b.EventID
}

// Better returns the winning commit of the two.
func Better(a, b CommitRef) CommitRef {
	if Wins(a, b) {
		return a
	}
	return b
}
