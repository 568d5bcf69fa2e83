package helpers

// Ptr returns a pointer to a copy of v. It is mostly used to build patches,
// where a nil field means "leave unchanged".
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the pointed-to value, or def when p is nil.
func Deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
