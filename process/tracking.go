package process

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultProcRoot is where procfs is normally mounted.
	DefaultProcRoot = "/proc"

	defaultUsernameCacheSize = 256
)

// ErrNotAbsolute is returned when a process executable link does not
// resolve to an absolute path (kernel threads, pseudo files).
var ErrNotAbsolute = errors.New("executable path is not absolute")

// Resolver looks up process metadata in procfs and user names in the
// system user database.
type Resolver struct {
	procRoot  string
	usernames *lru.Cache
	lookupID  func(uid string) (*user.User, error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithProcRoot points the resolver at a different procfs mount.
func WithProcRoot(root string) ResolverOption {
	return func(r *Resolver) {
		r.procRoot = root
	}
}

// WithUserLookup replaces the uid lookup, which defaults to user.LookupId.
func WithUserLookup(fn func(uid string) (*user.User, error)) ResolverOption {
	return func(r *Resolver) {
		r.lookupID = fn
	}
}

// NewResolver creates a resolver with an LRU cache for user names
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	cache, err := lru.New(defaultUsernameCacheSize)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		procRoot:  DefaultProcRoot,
		usernames: cache,
		lookupID:  user.LookupId,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Resolver) procDir(pid uint32) string {
	return filepath.Join(r.procRoot, strconv.FormatUint(uint64(pid), 10))
}

// Executable returns the absolute path of the program a process runs. It
// fails once the process has exited.
func (r *Resolver) Executable(pid uint32) (string, error) {
	exe, err := os.Readlink(filepath.Join(r.procDir(pid), "exe"))
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(exe) {
		return "", fmt.Errorf("pid %d: %w: %q", pid, ErrNotAbsolute, exe)
	}
	return exe, nil
}

// Owner returns the uid owning the process's procfs directory.
func (r *Resolver) Owner(pid uint32) (uint32, error) {
	info, err := os.Stat(r.procDir(pid))
	if err != nil {
		return 0, err
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok || stat == nil {
		return 0, fmt.Errorf("pid %d: no ownership information", pid)
	}
	return stat.Uid, nil
}

// Username returns the login name for a uid. Successful lookups are cached.
func (r *Resolver) Username(uid uint32) (string, error) {
	if name, ok := r.usernames.Get(uid); ok {
		return name.(string), nil
	}

	u, err := r.lookupID(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", fmt.Errorf("failed to look up uid %d: %w", uid, err)
	}

	r.usernames.Add(uid, u.Username)
	return u.Username, nil
}
