package vectorindex

import "fmt"

// DimensionError reports a vector whose length does not match the index
// dimension. It always indicates a caller bug and is never retried.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector dimension %d does not match index dimension %d", e.Got, e.Want)
}

// LengthError reports misaligned vectors/ids batch inputs.
type LengthError struct {
	Vectors int
	IDs     int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("vectors count (%d) must match ids count (%d)", e.Vectors, e.IDs)
}
