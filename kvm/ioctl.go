package kvm

import "syscall"

// ioctl command encoding, from the kernel's ioctl.h. All KVM commands use
// the 0xAE ioctl type.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIoc = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmIoc<<iocTypeShift | nr<<iocNrShift
}

// IIO encodes a KVM ioctl that carries no payload.
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOR encodes a KVM ioctl that reads size bytes back from the kernel.
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOW encodes a KVM ioctl that writes size bytes to the kernel.
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOWR encodes a KVM ioctl that does both.
func IIOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// Ioctl issues one ioctl against fd. EINTR is returned, not retried:
// an interrupted KVM_RUN is a meaningful exit for the caller.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)

	var err error
	if errno != 0 {
		err = errno
	}

	return res, err
}
