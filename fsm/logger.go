package fsm

// Logger receives a notification each time an event successfully drives a
// Machine from one state to another.
type Logger interface {
	LogTransition(t Transition)
}

// NoopLogger discards all transitions. It is the default.
type NoopLogger struct{}

func (NoopLogger) LogTransition(Transition) {}

// MultiLogger fans a transition out to several Loggers in order.
type MultiLogger []Logger

func (m MultiLogger) LogTransition(t Transition) {
	for _, l := range m {
		if l != nil {
			l.LogTransition(t)
		}
	}
}
