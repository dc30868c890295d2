package model

import "time"

const (
	StatusBooked    = "booked"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Client identifies the person being booked. Email is the package key.
type Client struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Booking is one appointment row. SessionNumber, PurchasedQuantity and
// RemainingAtBooking are enough to rebuild Label.
type Booking struct {
	ID                 string     `json:"id"`
	PackageID          string     `json:"package_id"`
	ServiceKey         string     `json:"service_key"`
	BaseServiceName    string     `json:"base_service_name"`
	Label              string     `json:"label"`
	Locale             string     `json:"locale"`
	Client             Client     `json:"client"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	SessionNumber      int        `json:"session_number"`
	PurchasedQuantity  int        `json:"purchased_quantity"`
	RemainingAtBooking int        `json:"remaining_at_booking"`
	SessionConsumed    bool       `json:"session_consumed"`
	Status             string     `json:"status"`
	CalendarEventID    string     `json:"calendar_event_id,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

const (
	CheckoutPending   = "pending"
	CheckoutCompleted = "completed"
	CheckoutExpired   = "expired"
)

// Checkout is a wizard purchase waiting for payment. It carries everything
// needed to create the package and the first booking once paid.
type Checkout struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider"`
	ProviderSessionID string    `json:"provider_session_id"`
	ServiceKey        string    `json:"service_key"`
	Quantity          int       `json:"quantity"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Client            Client    `json:"client"`
	Locale            string    `json:"locale"`
	SlotStart         time.Time `json:"slot_start"`
	SlotEnd           time.Time `json:"slot_end"`
	Status            string    `json:"status"`
	PackageID         string    `json:"package_id,omitempty"`
	BookingID         string    `json:"booking_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
