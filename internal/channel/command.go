package channel

import (
	"strings"

	"topup/internal/lifecycle"
)

// Command is an operator instruction received over the channel:
//
//	done <orderId> [note...]
//	reject <orderId> [note...]
type Command struct {
	Action  lifecycle.FulfillStatus
	OrderID string
	Note    string
}

func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return Command{}, false
	}

	var action lifecycle.FulfillStatus
	switch strings.ToLower(fields[0]) {
	case "done":
		action = lifecycle.FulfillDone
	case "reject":
		action = lifecycle.FulfillRejected
	default:
		return Command{}, false
	}
	return Command{
		Action:  action,
		OrderID: fields[1],
		Note:    strings.Join(fields[2:], " "),
	}, true
}

// addressOf strips a network suffix such as "@s.whatsapp.net" and keeps the
// digits.
func addressOf(from string) string {
	if i := strings.IndexByte(from, '@'); i >= 0 {
		from = from[:i]
	}
	if i := strings.IndexByte(from, ':'); i >= 0 {
		from = from[:i]
	}
	addr, _ := lifecycle.NormalizeContact(from)
	return addr
}
