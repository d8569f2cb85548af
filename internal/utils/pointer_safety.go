package utils

// Value dereferences v, returning the zero value when v is nil. Optional
// response fields are modeled as pointers; Value keeps call sites free of
// nil checks.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

func Ptr[T any](v T) *T {
	return &v
}
