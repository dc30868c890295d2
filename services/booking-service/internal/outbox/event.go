package outbox

// Event is the envelope written to the outbox table. The Kafka topic is the
// event type, one topic per event.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	TypeSessionBooked    = "booking.session.booked.v1"
	TypeSessionCompleted = "booking.session.completed.v1"
	TypeSessionCancelled = "booking.session.cancelled.v1"
	TypePackagePurchased = "booking.package.purchased.v1"
)
