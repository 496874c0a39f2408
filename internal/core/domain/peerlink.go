package domain

// LinkState is the negotiation state of one directed PeerLink.
type LinkState string

const (
	LinkIdle              LinkState = "idle"
	LinkLocalOfferPending LinkState = "local-offer-pending"
	LinkOfferSent         LinkState = "offer-sent"
	LinkAwaitingAnswer    LinkState = "awaiting-answer"
	LinkOfferReceived     LinkState = "offer-received"
	LinkAnswerSent        LinkState = "answer-sent"
	LinkConnected         LinkState = "connected"
	LinkClosed            LinkState = "closed"
)

// LinkRole records which side of the negotiation a link plays.
type LinkRole string

const (
	RoleInitiator LinkRole = "initiator"
	RoleReceiver  LinkRole = "receiver"
)

var linkTransitions = map[LinkState][]LinkState{
	LinkIdle:              {LinkLocalOfferPending, LinkOfferReceived},
	LinkLocalOfferPending: {LinkOfferSent},
	LinkOfferSent:         {LinkAwaitingAnswer, LinkConnected},
	LinkAwaitingAnswer:    {LinkConnected},
	LinkOfferReceived:     {LinkAnswerSent},
	LinkAnswerSent:        {LinkConnected},
}

// CanTransition reports whether from -> to is a legal move. Closed is
// reachable from every state and is terminal.
func (from LinkState) CanTransition(to LinkState) bool {
	if from == LinkClosed {
		return false
	}
	if to == LinkClosed {
		return true
	}
	for _, next := range linkTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AcceptsCandidates reports whether ICE candidates may be queued or applied.
func (s LinkState) AcceptsCandidates() bool {
	return s != LinkClosed
}

// MediaKind identifies an outgoing track slot on a PeerLink.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CaptureKind identifies what a capture source records.
type CaptureKind string

const (
	CaptureCamera     CaptureKind = "camera"
	CaptureMicrophone CaptureKind = "microphone"
	CaptureScreen     CaptureKind = "screen"
)

func (k CaptureKind) MediaKind() MediaKind {
	if k == CaptureMicrophone {
		return MediaAudio
	}
	return MediaVideo
}
