//go:build !unix

package mem

const hostProtectionSupported = false

func mapBuffer(size uint64, _ bool) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBuffer([]byte) error {
	return nil
}

func hostProtect([]byte, Perm) error {
	return nil
}
