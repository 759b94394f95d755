package port

import "github.com/Wyydra/yacall/internal/core/domain"

// CallObserver is notified from session workers and must not block.
type CallObserver interface {
	OnIncomingCall(call domain.CallSession)
	OnStateChanged(call domain.CallSession)
	OnRemoteTrack(session domain.SessionID, track RemoteTrack)
}
