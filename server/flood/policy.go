package flood

// Policy selects the sessions an update is flooded to.
type Policy interface {
	// Targets filters the candidate senders for an update in the given
	// area. source is the peer the update arrived from, or empty for a
	// local update.
	Targets(areaID string, source string, senders []Sender) []Sender
}

// FullPolicy floods to every synced peer in the update's area except the
// one it arrived from.
type FullPolicy struct{}

func NewFullPolicy() *FullPolicy {
	return &FullPolicy{}
}

func (p *FullPolicy) Targets(areaID string, source string, senders []Sender) []Sender {
	var targets []Sender
	for _, sender := range senders {
		if sender.PeerID() == source {
			continue
		}
		if !sender.Synced() {
			// Pre-sync sessions catch up via full sync instead.
			continue
		}
		if !sender.InArea(areaID) {
			continue
		}
		targets = append(targets, sender)
	}
	return targets
}
