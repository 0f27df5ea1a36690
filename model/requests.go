package model

// VerificationRequest represents the query a hub sends to a callback on GET.
// Field names are the hub.* parameters without their prefix.
type VerificationRequest struct {
	Mode         string `form:"mode"`
	Topic        string `form:"topic"`
	Challenge    string `form:"challenge"`
	LeaseSeconds string `form:"lease_seconds"`
	Reason       string `form:"reason"`
}

// CreateRequest represents a request to create a new subscription.
// HubURL may be empty, in which case the default hub or discovery is used.
type CreateRequest struct {
	HubURL           string `json:"hub_url" validate:"omitempty,url"`
	Topic            string `json:"topic" validate:"required"`
	CallbackIdentity string `json:"callback_identity" validate:"required"`
	Static           bool   `json:"static"`
}
