package models

import "fmt"

// Status is the delivery state of a message for one recipient.
// The values are ordered: Sending < Sent < Delivered < Seen.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusSeen
)

var statusNames = [...]string{"sending", "sent", "delivered", "seen"}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the four known values.
func (s Status) Valid() bool {
	return s >= StatusSending && s <= StatusSeen
}

// Advance returns the larger of cur and next, and whether that is a change.
// Regressions and repeats leave cur untouched.
func Advance(cur, next Status) (Status, bool) {
	if !next.Valid() || next <= cur {
		return cur, false
	}
	return next, true
}

// ParseStatus converts a wire name into a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
