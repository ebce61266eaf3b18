package client

import "github.com/Tyrowin/relay/internal/protocol"

// Listener receives bridge events. Every method is invoked on the bridge's
// Looper, one call at a time, in the order the events were produced.
type Listener interface {
	OnConnected()
	OnMessage(env protocol.Envelope)
	OnDisconnected(reason string)
	OnError(text string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Connected    func()
	Message      func(env protocol.Envelope)
	Disconnected func(reason string)
	Error        func(text string)
}

func (f ListenerFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f ListenerFuncs) OnMessage(env protocol.Envelope) {
	if f.Message != nil {
		f.Message(env)
	}
}

func (f ListenerFuncs) OnDisconnected(reason string) {
	if f.Disconnected != nil {
		f.Disconnected(reason)
	}
}

func (f ListenerFuncs) OnError(text string) {
	if f.Error != nil {
		f.Error(text)
	}
}
