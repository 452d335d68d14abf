package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wagate/internal/eventbus"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

// DefaultEvents are the bus events that page an operator.
var DefaultEvents = []string{
	eventbus.SessionLoggedOut,
	eventbus.SessionDeathLoop,
	eventbus.SessionQRExpired,
	eventbus.SessionGaveUp,
	eventbus.SessionConflict,
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event, quiet <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quiet:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			wanted := s.events[e.Type]
			s.mu.Unlock()
			if !wanted {
				continue
			}
			n, ok := Format(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("alert not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

// Format renders a bus event as an alert. ok is false for payloads it does
// not know.
func Format(e eventbus.Event) (n transport.Notification, ok bool) {
	n.Channel = "telegram"
	switch d := e.Data.(type) {
	case eventbus.SessionEvent:
		n.Priority = sessionPriority(e.Type)
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] account %s", strings.TrimPrefix(e.Type, "session."), d.AccountID)
		if d.Attempt > 0 {
			fmt.Fprintf(&b, " attempt=%d", d.Attempt)
		}
		if d.Code != 0 {
			fmt.Fprintf(&b, " code=%d", d.Code)
		}
		if d.Reason != "" {
			fmt.Fprintf(&b, "\n%s", d.Reason)
		}
		n.Text = b.String()
		return n, true
	case eventbus.DeliveryEvent:
		n.Priority = 5
		n.Text = fmt.Sprintf("[%s] account %s message %s attempt=%d", strings.TrimPrefix(e.Type, "delivery."), d.AccountID, d.MessageID, d.Attempt)
		if d.Error != "" {
			n.Text += "\n" + d.Error
		}
		return n, true
	}
	return n, false
}

func sessionPriority(typ string) int {
	switch typ {
	case eventbus.SessionLoggedOut, eventbus.SessionDeathLoop:
		return 9
	case eventbus.SessionGaveUp, eventbus.SessionQRExpired, eventbus.SessionConflict:
		return 7
	default:
		return 5
	}
}
