package zk

import (
	"strings"

	"github.com/gozk-core/zk/proto"
)

// validatePath enforces spec.md §4.7: non-empty, begins with '/', no
// "//", no trailing '/' except root, no NUL, no '.'/'..' segments, no
// control characters.
func validatePath(path string, isSequential bool) error {
	if len(path) == 0 {
		return proto.ErrInvalidPath
	}
	if path[0] != '/' {
		return proto.ErrInvalidPath
	}
	if len(path) == 1 {
		return nil // root
	}
	if !isSequential && path[len(path)-1] == '/' {
		return proto.ErrInvalidPath
	}

	segmentStart := 1
	for i := 1; i < len(path); i++ {
		c := path[i]
		if c <= 0x1f || c == 0x7f {
			return proto.ErrInvalidPath
		}
		if c == '/' {
			if i == segmentStart {
				return proto.ErrInvalidPath // "//"
			}
			if isReservedSegment(path[segmentStart:i]) {
				return proto.ErrInvalidPath
			}
			segmentStart = i + 1
		}
	}
	if segmentStart < len(path) && isReservedSegment(path[segmentStart:]) {
		return proto.ErrInvalidPath
	}
	return nil
}

func isReservedSegment(seg string) bool {
	return seg == "." || seg == ".."
}

// chroot prepends/strips a configured path prefix from outgoing/incoming
// paths (spec.md §4.7, P7).
type chroot struct {
	prefix string
}

func newChroot(prefix string) chroot {
	return chroot{prefix: strings.TrimSuffix(prefix, "/")}
}

func (c chroot) apply(path string) string {
	if c.prefix == "" {
		return path
	}
	if path == "/" {
		return c.prefix
	}
	return c.prefix + path
}

func (c chroot) strip(path string) string {
	if c.prefix == "" {
		return path
	}
	if !strings.HasPrefix(path, c.prefix) {
		return path
	}
	stripped := strings.TrimPrefix(path, c.prefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}

// applyAll maps apply over a path list; used to chroot a SetWatches
// replay bundle, which is described in wire-space by the engine.
func (c chroot) applyAll(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = c.apply(p)
	}
	return out
}

// splitLastSegment splits path into its parent directory and final
// segment; splitLastSegment("/a/b") == ("/a", "b"),
// splitLastSegment("/a") == ("", "a").
func splitLastSegment(path string) (dir, base string) {
	idx := strings.LastIndex(path, "/")
	if idx == 0 {
		return "", path[1:]
	}
	return path[:idx], path[idx+1:]
}

// splitConnectString parses "host:port[,host:port...][/chroot]" per
// spec.md §4.2/§6.
func splitConnectString(connectString string) (hosts []string, chrootPath string, err error) {
	parts := strings.SplitN(connectString, "/", 2)
	hostPart := parts[0]
	if len(parts) == 2 {
		chrootPath = "/" + parts[1]
		if chrootPath != "/" {
			if verr := validatePath(chrootPath, false); verr != nil {
				return nil, "", verr
			}
		} else {
			chrootPath = ""
		}
	}
	for _, h := range strings.Split(hostPart, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.Contains(h, ":") {
			h = h + ":" + proto.DefaultPort
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return nil, "", proto.ErrNoServers
	}
	return hosts, chrootPath, nil
}
