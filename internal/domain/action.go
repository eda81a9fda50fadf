package domain

// Action names a route operation subject to authorization.
type Action string

const (
	ActionTransition      Action = "transition"
	ActionStartStop       Action = "start_stop"
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionComplete        Action = "complete"
	ActionDelete          Action = "delete"
	ActionRetryAnchor     Action = "retry_anchor"
)
