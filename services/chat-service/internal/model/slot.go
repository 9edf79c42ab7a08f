package model

import "time"

type SlotStatus string

const (
	StatusAvailable SlotStatus = "available"
	StatusBooked    SlotStatus = "booked"
	StatusCompleted SlotStatus = "completed"
	StatusNoShow    SlotStatus = "no-show"
)

// DateLayout and TimeLayout are the accepted wire formats for Slot.Date and Slot.Time.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

func ParseStatus(s string) (SlotStatus, bool) {
	switch SlotStatus(s) {
	case StatusAvailable, StatusBooked, StatusCompleted, StatusNoShow:
		return SlotStatus(s), true
	default:
		return "", false
	}
}

// Occupied reports whether a slot in this status carries an occupant.
func (s SlotStatus) Occupied() bool {
	return s == StatusBooked || s == StatusCompleted || s == StatusNoShow
}

// Slot is a bookable one-on-one meeting opportunity created by a host.
// Version increases on every state transition and guards conditional writes.
type Slot struct {
	ID                  string     `json:"id"`
	HostID              string     `json:"host_id"`
	HostDisplayName     string     `json:"host_display_name"`
	Date                string     `json:"date"`
	Time                string     `json:"time"`
	Location            string     `json:"location"`
	Status              SlotStatus `json:"status"`
	OccupantID          string     `json:"occupant_id,omitempty"`
	OccupantDisplayName string     `json:"occupant_display_name,omitempty"`
	ExternalEventRef    string     `json:"external_event_ref,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Consistent reports whether occupant, status and external reference agree.
func (s Slot) Consistent() bool {
	if s.Status.Occupied() != (s.OccupantID != "") {
		return false
	}
	if s.Status == StatusAvailable && (s.OccupantDisplayName != "" || s.ExternalEventRef != "") {
		return false
	}
	return true
}

// Start returns the slot start in loc.
func (s Slot) Start(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, s.Date+" "+s.Time, loc)
}

type SlotFilter struct {
	HostID        string
	OccupantID    string
	Status        SlotStatus
	AvailableOnly bool
}

func (f SlotFilter) Match(s Slot) bool {
	if f.HostID != "" && s.HostID != f.HostID {
		return false
	}
	if f.OccupantID != "" && s.OccupantID != f.OccupantID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.AvailableOnly && s.Status != StatusAvailable {
		return false
	}
	return true
}

type SlotSummary struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Booked    int `json:"booked"`
	Completed int `json:"completed"`
	NoShow    int `json:"no_show"`
}

func Summarize(slots []Slot) SlotSummary {
	var out SlotSummary
	for _, s := range slots {
		out.Total++
		switch s.Status {
		case StatusAvailable:
			out.Available++
		case StatusBooked:
			out.Booked++
		case StatusCompleted:
			out.Completed++
		case StatusNoShow:
			out.NoShow++
		}
	}
	return out
}
