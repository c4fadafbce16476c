//go:build linux

package nl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/mdlayher/genetlink"
	"golang.org/x/sys/unix"
)

// ErrGroupNotFound is returned by Dial when a requested multicast group is
// not offered by the family.
var ErrGroupNotFound = errors.New("multicast group not found")

// Transport is a raw generic netlink socket bound to one family. Inbound
// datagrams are split into single netlink messages, handed out one per
// Receive call.
type Transport struct {
	family genetlink.Family
	groups map[string]uint32
	logger *slog.Logger

	f  *os.File
	rc syscall.RawConn

	queue [][]byte // split messages of the last datagram, read side only

	closeOnce sync.Once
}

// Dial resolves family, opens a socket and joins the named multicast groups.
func Dial(family string, groups []string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nl", "family", family)

	gc, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("dial generic netlink: %w", err)
	}
	fam, err := gc.GetFamily(family)
	_ = gc.Close()
	if err != nil {
		return nil, fmt.Errorf("resolve family %q: %w", family, err)
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_GENERIC)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	// strict checking gives better errors where the kernel supports it
	_ = unix.SetsockoptInt(fd, unix.SOL_NETLINK, unix.NETLINK_EXT_ACK, 1)

	f := os.NewFile(uintptr(fd), "netlink")
	rc, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	t := &Transport{
		family: fam,
		groups: make(map[string]uint32),
		logger: logger,
		f:      f,
		rc:     rc,
	}
	for _, name := range groups {
		if err := t.join(name); err != nil {
			_ = t.Close()
			return nil, err
		}
	}
	logger.Info("netlink transport ready", "family_id", fam.ID, "groups", groups)
	return t, nil
}

func (t *Transport) join(name string) error {
	var id uint32
	for _, g := range t.family.Groups {
		if g.Name == name {
			id = g.ID
			break
		}
	}
	if id == 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}

	var serr error
	err := t.rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_NETLINK, unix.NETLINK_ADD_MEMBERSHIP, int(id))
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		return fmt.Errorf("join group %s: %w", name, os.NewSyscallError("setsockopt", err))
	}
	t.groups[name] = id
	t.logger.Debug("joined multicast group", "group", name, "id", id)
	return nil
}

// Family returns the resolved family.
func (t *Transport) Family() genetlink.Family {
	return t.family
}

// Codec returns a codec for the resolved family.
func (t *Transport) Codec() *Codec {
	return NewCodec(t.family)
}

// Groups returns the joined multicast groups by name.
func (t *Transport) Groups() map[string]uint32 {
	out := make(map[string]uint32, len(t.groups))
	for k, v := range t.groups {
		out[k] = v
	}
	return out
}

// Send writes one netlink message to the kernel.
func (t *Transport) Send(msg []byte) error {
	var serr error
	err := t.rc.Write(func(fd uintptr) bool {
		serr = unix.Sendto(int(fd), msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
		return serr != unix.EAGAIN
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		return os.NewSyscallError("sendto", err)
	}
	return nil
}

// Receive returns the next netlink message, reading a new datagram when the
// previous one is used up.
func (t *Transport) Receive() ([]byte, error) {
	for len(t.queue) == 0 {
		b, err := t.recv()
		if err != nil {
			return nil, err
		}
		msgs, err := split(b)
		if err != nil {
			t.logger.Warn("dropping malformed datagram", "error", err, "len", len(b))
			continue
		}
		t.queue = msgs
	}
	m := t.queue[0]
	t.queue = t.queue[1:]
	return m, nil
}

func (t *Transport) recv() ([]byte, error) {
	var (
		buf  []byte
		rerr error
		peek [nlmsgHeaderLen]byte
	)
	err := t.rc.Read(func(fd uintptr) bool {
		// size the datagram first so nothing is truncated
		n, _, err := unix.Recvfrom(int(fd), peek[:], unix.MSG_PEEK|unix.MSG_TRUNC)
		if err == unix.EAGAIN {
			return false
		}
		if err != nil {
			rerr = err
			return true
		}
		buf = make([]byte, n)
		n, _, err = unix.Recvfrom(int(fd), buf, 0)
		if err == unix.EAGAIN {
			return false
		}
		if err != nil {
			rerr = err
			return true
		}
		buf = buf[:n]
		return true
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		return nil, os.NewSyscallError("recvfrom", err)
	}
	return buf, nil
}

// Close closes the socket and unblocks Receive.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.f.Close()
	})
	return err
}
