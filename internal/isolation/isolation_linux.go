//go:build linux

package isolation

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/landlock-lsm/go-landlock/landlock"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Namespaces is the clone flag set every run gets.
const Namespaces = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS

// pseudoMounts keep their own semantics and are not remounted.
var pseudoMounts = []string{"/proc", "/sys", "/dev"}

// SysProcAttr returns the process attributes that create the helper inside
// new namespaces. With a user namespace the caller's uid and gid map to
// root inside it, which grants the capabilities the mount steps need. The
// helper is killed if the launcher dies.
func SysProcAttr(opts Options) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Cloneflags: Namespaces,
		Pdeathsig:  syscall.SIGKILL,
		Setpgid:    true,
	}
	if opts.UserNamespace {
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	return attr
}

// Setup runs inside the helper: it verifies the namespaces, makes the mount
// table private, remounts the root read-only and sets the hostname. A failed
// remount is not fatal; the result carries the degraded level instead.
func Setup(opts Options, log *zap.Logger) (Result, error) {
	if os.Getpid() != 1 {
		return Result{}, fmt.Errorf("%w (pid %d)", ErrNotNamespaced, os.Getpid())
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMountPrivate, err)
	}

	res := Result{Level: LevelFull}
	if err := remountReadOnly("/"); err != nil {
		log.Warn("read-only remount failed, filesystem isolation degraded", zap.Error(err))
		res.Level = LevelDegraded
		if opts.LandlockFallback {
			if lerr := restrictWrites(); lerr != nil {
				log.Warn("landlock fallback unavailable", zap.Error(lerr))
			} else {
				res.Level = LevelLandlock
			}
		}
	} else if res.Writable = remountSubmounts(log); len(res.Writable) > 0 {
		log.Warn("submounts left writable", zap.Strings("mounts", res.Writable))
		res.Level = LevelPartial
	}

	if opts.Hostname != "" {
		if err := unix.Sethostname([]byte(opts.Hostname)); err != nil {
			res.HostnameErr = err
		}
	}
	return res, nil
}

// remountReadOnly bind-remounts target read-only. Flags locked by the
// owning user namespace (nosuid, nodev, noexec, atime) must be repeated or
// the kernel refuses the remount.
func remountReadOnly(target string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(target, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", target, err)
	}
	flags := uintptr(unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY) | lockedFlags(uint64(st.Flags))
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		return fmt.Errorf("remount %s read-only: %w", target, err)
	}
	return nil
}

func lockedFlags(statfsFlags uint64) uintptr {
	table := []struct {
		st uint64
		ms uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	}
	var flags uintptr
	for _, e := range table {
		if statfsFlags&e.st != 0 {
			flags |= e.ms
		}
	}
	return flags
}

// remountSubmounts makes every mount below / read-only too, skipping the
// pseudo filesystems. It returns the mount points that stayed writable.
func remountSubmounts(log *zap.Logger) []string {
	mounts, err := procfs.GetMounts()
	if err != nil {
		log.Warn("cannot list mounts, submounts left as they are", zap.Error(err))
		return nil
	}

	var writable []string
	for _, m := range mounts {
		if m.MountPoint == "/" || isPseudo(m.MountPoint) {
			continue
		}
		if _, ro := m.Options["ro"]; ro {
			continue
		}
		if err := remountReadOnly(m.MountPoint); err != nil {
			writable = append(writable, m.MountPoint)
		}
	}
	return writable
}

func isPseudo(mountPoint string) bool {
	for _, p := range pseudoMounts {
		if mountPoint == p || strings.HasPrefix(mountPoint, p+"/") {
			return true
		}
	}
	return false
}

// restrictWrites applies a Landlock ruleset allowing reads everywhere and
// writes only to /dev/null, at the best ABI the kernel offers.
func restrictWrites() error {
	return landlock.V5.BestEffort().RestrictPaths(
		landlock.RODirs("/"),
		landlock.RWFiles("/dev/null"),
	)
}
