//go:build unix

package workspace

import "golang.org/x/sys/unix"

// dup duplicates f's underlying fd so the workspace can close its *os.File
// handle while keeping the descriptor alive for the child process. Returns
// -1 on failure, matching the launcher's -1 "no fd" convention.
func dup(f interface{ Fd() uintptr }) int {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1
	}
	return fd
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
