package util

type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr
}

// AlignUp rounds x up to the next multiple of align. align must be a power of two.
func AlignUp[T Unsigned](x, align T) T {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to a multiple of align. align must be a power of two.
func AlignDown[T Unsigned](x, align T) T {
	return x &^ (align - 1)
}

func IsPowerOfTwo[T Unsigned](x T) bool {
	return x != 0 && x&(x-1) == 0
}

// OctetArrayZeroPadding pads x with zeros up to a multiple of n bytes.
func OctetArrayZeroPadding(x []byte, n int) []byte {
	length := len(x)
	paddingSize := (n - (length % n)) % n
	result := make([]byte, length+paddingSize)
	copy(result, x)
	return result
}

// RemoveFirst deletes the first element of s equal to v, preserving order.
// Returns the new slice and whether an element was removed.
func RemoveFirst[T comparable](s []T, v T) ([]T, bool) {
	for i := range s {
		if s[i] == v {
			return append(s[:i], s[i+1:]...), true
		}
	}
	return s, false
}
