package domain

// BookingOptions controls a booking attempt.
type BookingOptions struct {
	Force      bool    // bypass the minimum fill gate
	BookingRef *string // operator-supplied reference used when no provider is configured
}

// BookingConfirmation is what a carrier returns for a committed booking.
type BookingConfirmation struct {
	BookingRef string `json:"booking_ref"`
	Carrier    string `json:"carrier"`
	ETD        string `json:"etd"` // ISO-8601
}
