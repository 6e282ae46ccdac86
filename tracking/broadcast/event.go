package broadcast

// EventKind tags what a published payload describes.
type EventKind string

const (
	KindStatus   EventKind = "status"
	KindLocation EventKind = "location"
)

// Event is a single update delivered to a channel.
type Event struct {
	Code    string    `json:"code"`
	Kind    EventKind `json:"kind"`
	Payload any       `json:"payload"`
}
