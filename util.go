package pttflow

// Ptr is a utility function that returns a pointer to the given value.
// This is useful for setting optional fields such as Event coordinates.
//
// Example usage:
//
//	e := Event{
//		EventType: EventLocation,
//		Lat:       Ptr(52.52),
//		Lng:       Ptr(13.40),
//	}
func Ptr[T any](v T) *T { return &v }
