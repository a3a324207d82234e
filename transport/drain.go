package transport

import (
	"context"
	"io"
	"log/slog"

	"github.com/glimte/mmate-rpc/contracts"
)

// DrainObserver consumes and closes replies nobody is waiting for, such as
// the acknowledgement a decoupled reply endpoint sends back
type DrainObserver struct {
	logger *slog.Logger
}

// NewDrainObserver creates a drain observer. A nil logger means slog.Default().
func NewDrainObserver(logger *slog.Logger) *DrainObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DrainObserver{logger: logger}
}

// OnMessage implements contracts.MessageObserver
func (d *DrainObserver) OnMessage(ctx context.Context, msg *contracts.Message) {
	if in := msg.Input(); in != nil {
		n, err := io.Copy(io.Discard, in)
		if err != nil {
			d.logger.Debug("drain failed", "messageId", msg.ID(), "error", err)
		} else if n > 0 {
			d.logger.Debug("drained unconsumed reply", "messageId", msg.ID(), "bytes", n)
		}
	}
	if err := CloseMessage(msg); err != nil {
		d.logger.Debug("close after drain failed", "messageId", msg.ID(), "error", err)
	}
}
