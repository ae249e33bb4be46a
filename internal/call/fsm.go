package call

// The one-to-one session lifecycle is a pure transition table. The session
// feeds it events and executes the returned effects; the table itself never
// touches a link, a channel or the store, which keeps every path testable
// without I/O. Unknown (status, event) pairs stay put with no effects, so
// duplicate or late events are harmless.

type event int

const (
	evDial       event = iota // caller starts ringing the callee
	evAccept                  // callee accepted the incoming call
	evPeerSignal              // first signaling activity from the callee
	evLinkUp                  // peer link reached connected
	evLinkLost                // peer link dropped, reconnection underway
	evGiveUp                  // reconnection attempts exhausted
	evRemoteEnd               // remote sent end-call
	evRemoteReject
	evRingTimeout // callee never answered
	evLocalEnd
	evMediaFail // local capture could not be opened
)

func (e event) String() string {
	switch e {
	case evDial:
		return "dial"
	case evAccept:
		return "accept"
	case evPeerSignal:
		return "peer-signal"
	case evLinkUp:
		return "link-up"
	case evLinkLost:
		return "link-lost"
	case evGiveUp:
		return "give-up"
	case evRemoteEnd:
		return "remote-end"
	case evRemoteReject:
		return "remote-reject"
	case evRingTimeout:
		return "ring-timeout"
	case evLocalEnd:
		return "local-end"
	case evMediaFail:
		return "media-fail"
	}
	return "unknown"
}

type effect int

const (
	effRecordRinging effect = iota
	effRecordActive
	effRecordEnded
	effRecordDeclined
	effRecordMissed
	effSendEnd  // tell the remote side the call is over
	effTeardown // release media, close links, leave the channel
	effFail     // surface a terminal error to the caller of Start
)

// transition maps (status, event) to the next status and the effects the
// session must execute, in order. effSendEnd always precedes the record
// effect, which precedes effTeardown, so a dying session signals the
// remote first and releases resources last.
func transition(s Status, ev event) (Status, []effect) {
	if s.terminal() {
		return s, nil
	}

	switch ev {
	case evLocalEnd:
		switch s {
		case StatusIdle:
			return StatusEnded, []effect{effTeardown}
		case StatusCalling:
			return StatusEnded, []effect{effSendEnd, effRecordMissed, effTeardown}
		default:
			return StatusEnded, []effect{effSendEnd, effRecordEnded, effTeardown}
		}
	case evRemoteEnd:
		if s == StatusIdle {
			return StatusEnded, []effect{effTeardown}
		}
		return StatusEnded, []effect{effRecordEnded, effTeardown}
	case evRemoteReject:
		// A reject can race our accept past StatusCalling; whenever it
		// lands, the remote said no and the record reads declined.
		if s == StatusIdle {
			return StatusEnded, []effect{effTeardown}
		}
		return StatusEnded, []effect{effRecordDeclined, effTeardown}
	case evMediaFail:
		if s == StatusIdle {
			return StatusFailed, []effect{effTeardown, effFail}
		}
		return StatusFailed, []effect{effRecordEnded, effTeardown, effFail}
	}

	switch s {
	case StatusIdle:
		switch ev {
		case evDial:
			return StatusCalling, []effect{effRecordRinging}
		case evAccept:
			return StatusConnecting, []effect{effRecordActive}
		}
	case StatusCalling:
		switch ev {
		case evPeerSignal:
			return StatusConnecting, []effect{effRecordActive}
		case evRingTimeout:
			return StatusEnded, []effect{effSendEnd, effRecordMissed, effTeardown}
		}
	case StatusConnecting:
		switch ev {
		case evLinkUp:
			return StatusConnected, nil
		case evLinkLost:
			return StatusReconnecting, nil
		}
	case StatusConnected:
		if ev == evLinkLost {
			return StatusReconnecting, nil
		}
	case StatusReconnecting:
		switch ev {
		case evLinkUp:
			return StatusConnected, nil
		case evGiveUp:
			return StatusFailed, []effect{effRecordEnded, effTeardown, effFail}
		}
	}
	return s, nil
}
