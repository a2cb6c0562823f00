package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// Format renders ev as a title and a plain-text body.
func Format(ev domain.Event) (title, message string) {
	switch ev.Type {
	case domain.EventParticipantJoined, domain.EventDepositPaid:
		title = "Group buy joined"
		verb := "joined"
		if ev.Type == domain.EventDepositPaid {
			title, verb = "Deposit paid", "paid for"
		}
		message = fmt.Sprintf("Buyer %s %s %d item(s) in group %s. Current group size %d/%d (%d reserved).",
			ev.BuyerID, verb, ev.Quantity, ev.GroupID, ev.PaidQuantity, ev.TargetCount, ev.ReservedQuantity)
	case domain.EventGroupConfirmed:
		title = "Group buy confirmed"
		message = fmt.Sprintf("Group %s for product %s is complete with %d item(s) from %d buyer(s).\nDiscount %s%%: unit price %s, now %s.",
			ev.GroupID, ev.ProductID, ev.Quantity, len(ev.BuyerIDs),
			ev.Discount.StringFixed(2), ev.UnitPrice.StringFixed(2), ev.DiscountedPrice.StringFixed(2))
	case domain.EventParticipantReassigned:
		title = "Participant moved"
		message = fmt.Sprintf("Buyer %s (%d item(s)) moved from group %s to %s.",
			ev.BuyerID, ev.Quantity, ev.FromGroupID, ev.ToGroupID)
		if ev.DiscountChanged {
			message += "\nTheir expected discount has changed."
		}
	case domain.EventParticipantRefunded:
		title = "Deposit refunded"
		message = fmt.Sprintf("Buyer %s is refunded for %d item(s) in group %s.", ev.BuyerID, ev.Quantity, ev.GroupID)
	case domain.EventGroupExpired:
		title = "Group buy expired"
		message = fmt.Sprintf("Group %s for product %s expired before reaching its target.", ev.GroupID, ev.ProductID)
	case domain.EventGroupCancelled:
		title = "Group buy cancelled"
		message = fmt.Sprintf("Group %s for product %s was cancelled.", ev.GroupID, ev.ProductID)
	default:
		title = strings.ReplaceAll(string(ev.Type), "_", " ")
		message = fmt.Sprintf("Group %s for product %s.", ev.GroupID, ev.ProductID)
	}
	if ev.Reason != "" {
		message += "\nReason: " + ev.Reason
	}
	return title, message
}
