package calendar

import (
	"fmt"

	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
)

// CompletedNote is appended to an event description by AnnotateCompleted.
const CompletedNote = "\n\nStatus: Completed"

// completedColorID is the calendar v3 palette id for green.
const completedColorID = "10"

// NewChatEvent builds the event for a booked slot. The organizer is the
// participant whose calendar receives the event.
func NewChatEvent(slot model.Slot, organizerID string, host, occupant model.Participant) EventRequest {
	hostName := firstNonEmpty(host.DisplayName, slot.HostDisplayName, slot.HostID)
	occName := firstNonEmpty(occupant.DisplayName, slot.OccupantDisplayName, slot.OccupantID)

	var attendees []Attendee
	for _, p := range []model.Participant{host, occupant} {
		if email := p.ContactEmail(); email != "" {
			attendees = append(attendees, Attendee{PrincipalID: p.PrincipalID, Name: p.DisplayName, Email: email})
		}
	}

	return EventRequest{
		OrganizerID: organizerID,
		Attendees:   attendees,
		Date:        slot.Date,
		Time:        slot.Time,
		Location:    slot.Location,
		Title:       fmt.Sprintf("Coffee Chat: %s & %s", hostName, occName),
		Description: fmt.Sprintf("Coffee chat between %s (host) and %s (rushee).", hostName, occName),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
