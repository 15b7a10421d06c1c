package defaults

func Value[T any](value *T, def T) T {
	if value == nil {
		return def
	}
	return *value
}

func Slice[T any](value []T, def []T) []T {
	if len(value) == 0 {
		return def
	}
	return value
}
