package models

import "time"

type CheckinType string

const (
	CheckinRemote  CheckinType = "remote"
	CheckinInStore CheckinType = "in_store"
)

type CheckinStatus string

const (
	CheckinEnRoute   CheckinStatus = "en_route"
	CheckinPresent   CheckinStatus = "present"
	CheckinInQueue   CheckinStatus = "in_queue"
	CheckinExpired   CheckinStatus = "expired"
	CheckinCancelled CheckinStatus = "cancelled"
)

func (s CheckinStatus) Terminal() bool {
	return s == CheckinInQueue || s == CheckinExpired || s == CheckinCancelled
}

type VerificationMethod string

const (
	VerifyGeolocation    VerificationMethod = "geolocation"
	VerifyWiFi           VerificationMethod = "wifi"
	VerifyManual         VerificationMethod = "manual"
	VerifyStaffConfirmed VerificationMethod = "staff_confirmed"
)

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

type CheckinEntry struct {
	ID                   string             `json:"id"`
	LocationID           string             `json:"location_id"`
	Customer             Customer           `json:"customer"`
	CustomerType         CustomerType       `json:"customer_type"`
	Services             []ServiceRef       `json:"services"`
	PreferredEmployeeID  string             `json:"preferred_employee_id,omitempty"`
	Type                 CheckinType        `json:"checkin_type"`
	Status               CheckinStatus      `json:"status"`
	Code                 string             `json:"checkin_code"`
	CheckinTime          time.Time          `json:"checkin_time"`
	EstimatedArrivalTime *time.Time         `json:"estimated_arrival_time,omitempty"`
	ActualArrivalTime    *time.Time         `json:"actual_arrival_time,omitempty"`
	VerificationMethod   VerificationMethod `json:"verification_method,omitempty"`
	Coordinates          *Coordinates       `json:"coordinates,omitempty"`
	QueueEntryID         string             `json:"queue_entry_id,omitempty"`
	Notes                string             `json:"notes,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (c CheckinEntry) Clone() CheckinEntry {
	out := c
	out.Services = append([]ServiceRef(nil), c.Services...)
	out.EstimatedArrivalTime = cloneTime(c.EstimatedArrivalTime)
	out.ActualArrivalTime = cloneTime(c.ActualArrivalTime)
	if c.Coordinates != nil {
		coords := *c.Coordinates
		out.Coordinates = &coords
	}
	return out
}
