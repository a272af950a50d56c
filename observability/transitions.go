package observability

import (
	"go.uber.org/zap"

	"github.com/localmarket/dealflow/fsm"
)

// TransitionLogger writes every state change to a zap logger at debug level.
type TransitionLogger struct {
	Logger *zap.Logger
}

// NewTransitionLogger returns a TransitionLogger. A nil logger discards.
func NewTransitionLogger(l *zap.Logger) *TransitionLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &TransitionLogger{Logger: l}
}

func (l *TransitionLogger) LogTransition(t fsm.Transition) {
	l.Logger.Debug("state transition",
		zap.String("machine", t.Machine),
		zap.String("from", t.From),
		zap.String("event", t.Event),
		zap.String("to", t.To),
	)
}
