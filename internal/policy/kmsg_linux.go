//go:build linux

package policy

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const kmsgPath = "/dev/kmsg"

// KernelLog tails /dev/kmsg for seccomp audit records written after it was
// opened. Reading the kernel log usually needs CAP_SYSLOG or
// kernel.dmesg_restrict=0; callers treat an open failure as "no evidence".
type KernelLog struct {
	fd int
}

// OpenKernelLog opens the kernel log positioned after the newest record.
func OpenKernelLog() (*KernelLog, error) {
	fd, err := unix.Open(kmsgPath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kmsgPath, err)
	}
	if _, err := unix.Seek(fd, 0, unix.SEEK_END); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("seek %s: %w", kmsgPath, err)
	}
	return &KernelLog{fd: fd}, nil
}

// Drain reads every record available now and returns the seccomp ones.
func (k *KernelLog) Drain() ([]AuditRecord, error) {
	var (
		records []AuditRecord
		buf     = make([]byte, 8192)
	)
	for {
		n, err := unix.Read(k.fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return records, nil
		case errors.Is(err, unix.EPIPE):
			// Ring buffer wrapped past our position; the next read resumes.
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return records, fmt.Errorf("read %s: %w", kmsgPath, err)
		case n == 0:
			return records, nil
		}
		if rec, ok := ParseAuditRecord(string(buf[:n])); ok {
			records = append(records, rec)
		}
	}
}

// Inspect drains the log and summarizes the records of pid.
func (k *KernelLog) Inspect(pid int) (Findings, error) {
	records, err := k.Drain()
	return Summarize(records, pid), err
}

func (k *KernelLog) Close() error {
	return unix.Close(k.fd)
}
