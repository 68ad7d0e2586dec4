package reconciler

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnresolvableReservation means the event does not carry a usable
	// reservation id or the id matches no record.
	ErrUnresolvableReservation = errors.New("unresolvable reservation")
	// ErrInvalidReservationID marks the unresolvable case where the bookingId
	// is missing or malformed. It always comes wrapped together with
	// ErrUnresolvableReservation.
	ErrInvalidReservationID = errors.New("invalid reservation id")
	ErrMalformedEvent       = errors.New("malformed event")
	ErrStoreUnavailable     = errors.New("reservation store unavailable")
	// ErrDispatcherUnavailable is returned after a committed transition whose
	// confirmation could not be enqueued. The record stays paid.
	ErrDispatcherUnavailable = errors.New("notification dispatcher unavailable")
	ErrLookupUnavailable     = errors.New("session lookup unavailable")
)

// IsPermanent reports whether redelivering the same event can never succeed.
// An unknown but well-formed reservation id is not permanent: the booking may
// still be created.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrInvalidReservationID)
}

// ParseReservationID validates the bookingId metadata value. Only the
// canonical 36 character UUID form is accepted.
func ParseReservationID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %w: missing bookingId", ErrUnresolvableReservation, ErrInvalidReservationID)
	}
	if len(raw) != 36 {
		return uuid.Nil, fmt.Errorf("%w: %w: bookingId %q is not a uuid", ErrUnresolvableReservation, ErrInvalidReservationID, raw)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w: bookingId %q: %w", ErrUnresolvableReservation, ErrInvalidReservationID, raw, err)
	}
	return id, nil
}
