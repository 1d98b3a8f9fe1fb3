//go:build unix

package mem

import (
	"golang.org/x/sys/unix"
)

const hostProtectionSupported = true

// mapBuffer reserves the guest space. With hardware protection everything
// starts PROT_NONE and pages are opened up as they are allocated.
func mapBuffer(size uint64, hardwareProtection bool) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if hardwareProtection {
		prot = unix.PROT_NONE
	}
	return unix.Mmap(-1, 0, int(size), prot, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapBuffer(buffer []byte) error {
	if buffer == nil {
		return nil
	}
	return unix.Munmap(buffer)
}

func hostProtect(region []byte, perm Perm) error {
	var prot int
	switch perm {
	case PermNone:
		prot = unix.PROT_NONE
	case PermRead:
		prot = unix.PROT_READ
	case PermReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(region, prot)
}
