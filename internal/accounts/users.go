// Package accounts authenticates storage users: bcrypt password hashes kept
// in a JSON users file, and HS256 bearer tokens whose subject is the user.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentworkforce/relaysync/internal/fsutil"
	"github.com/agentworkforce/relaysync/internal/logging"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
)

// Registry maps user names to bcrypt hashes.
type Registry struct {
	mu     sync.RWMutex
	path   string
	users  map[string][]byte
	cost   int
	logger logging.Logger
}

type usersFile struct {
	Users map[string]string `json:"users"`
}

func NewRegistry() *Registry {
	return &Registry{users: map[string][]byte{}, cost: bcrypt.DefaultCost, logger: logging.Nop()}
}

// LoadRegistry reads path; a missing file yields an empty registry that will
// be created on the first Register.
func LoadRegistry(path string, logger logging.Logger) (*Registry, error) {
	r := NewRegistry()
	r.path = strings.TrimSpace(path)
	r.logger = logging.OrNop(logger)
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetCost overrides the bcrypt cost used by Register.
func (r *Registry) SetCost(cost int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cost = cost
}

// Register stores a new hash for user, replacing any previous one, and saves
// the file when the registry is file backed.
func (r *Registry) Register(user, password string) error {
	user = strings.TrimSpace(user)
	if user == "" || strings.ContainsAny(user, "/:") || password == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return err
	}
	r.users[user] = hash
	return r.saveLocked()
}

func (r *Registry) Remove(user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user]; !ok {
		return nil
	}
	delete(r.users, user)
	return r.saveLocked()
}

// Authenticate returns ErrUnauthorized unless password matches user's hash.
func (r *Registry) Authenticate(user, password string) error {
	r.mu.RLock()
	hash, ok := r.users[user]
	r.mu.RUnlock()
	if !ok {
		// unknown users still pay for one compare
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for user := range r.users {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Watch reloads the users file whenever it changes until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	return WatchFile(ctx, r.path, r.logger, func() {
		if err := r.reload(); err != nil {
			r.logger.Warn(ctx, "users file reload failed", "path", r.path, "error", err)
			return
		}
		r.logger.Info(ctx, "users file reloaded", "path", r.path, "users", len(r.Users()))
	})
}

func (r *Registry) reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var file usersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	users := make(map[string][]byte, len(file.Users))
	for user, hash := range file.Users {
		users[user] = []byte(hash)
	}
	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
	return nil
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	file := usersFile{Users: make(map[string]string, len(r.users))}
	for user, hash := range r.users {
		file.Users[user] = string(hash)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(r.path, data, 0o600)
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("relaysync"), bcrypt.MinCost)

// WatchFile calls onChange after path is written, created or replaced. The
// parent directory is watched so atomic renames are seen. Bursts of events
// are collapsed with a short debounce.
func WatchFile(ctx context.Context, path string, logger logging.Logger, onChange func()) error {
	logger = logging.OrNop(logger)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	const debounce = 50 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}
		case <-fire:
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "file watch error", "path", abs, "error", err)
		}
	}
}
