// Package bus is a best-effort broadcast channel between instances of the
// same origin.
//
// A channel is a directory. Publishing writes one small file into it;
// subscribers learn about new files through fsnotify and read them. Delivery
// is at most once per subscriber, unordered, and only to subscribers that
// were listening when the file appeared. A sender never hears itself. When
// the directory or the watcher cannot be set up the bus is unavailable and
// every operation is a no-op.
package bus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"hotswap/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is a bus message tag.
type Message string

// ActivateNow tells siblings that an instance has asked the agent to
// activate the waiting build.
const ActivateNow Message = "activate-now"

// Known reports whether m is a message this version understands.
func (m Message) Known() bool {
	return m == ActivateNow
}

// DefaultRetention is how long message files are kept before publishers
// sweep them.
const DefaultRetention = time.Minute

// msgSuffix marks complete message files; anything else is ignored.
const msgSuffix = ".msg"

// Handler receives messages from other instances.
type Handler func(Message)

// Bus is one instance's endpoint on a channel.
type Bus struct {
	dir       string
	sender    string
	log       *zap.Logger
	retention time.Duration

	watcher *fsnotify.Watcher // nil when unavailable

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	seen     map[string]struct{}
	closed   bool
	done     chan struct{}
}

// Open joins channel under root for the instance sender. It never fails: on
// setup errors it returns an unavailable Bus and logs why.
func Open(root, channel, sender string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == "" {
		sender = uuid.NewString()
	}
	b := &Bus{
		dir:       filepath.Join(root, channel),
		sender:    sanitize(sender),
		log:       logger.With(zap.String("channel", channel)),
		retention: DefaultRetention,
		handlers:  make(map[int]Handler),
		seen:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}

	w, err := b.initWatcher()
	if err != nil {
		b.log.Warn("cross-instance bus unavailable, running standalone",
			zap.Error(&protocol.BusUnavailableError{Dir: b.dir, Err: err}))
		close(b.done)
		return b
	}
	b.watcher = w
	go b.run()
	return b
}

// Unavailable returns a Bus that does nothing, for hosts without a shared
// directory.
func Unavailable() *Bus {
	b := &Bus{log: zap.NewNop(), handlers: make(map[int]Handler), seen: make(map[string]struct{}), done: make(chan struct{})}
	close(b.done)
	return b
}

func (b *Bus) initWatcher() (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(b.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", b.dir, err)
	}
	return w, nil
}

// Available reports whether messages can be sent and received.
func (b *Bus) Available() bool {
	return b != nil && b.watcher != nil
}

// Publish broadcasts msg to every other subscribed instance. It returns nil
// without doing anything when the bus is unavailable.
func (b *Bus) Publish(msg Message) error {
	if !b.Available() {
		return nil
	}
	b.sweep()

	now := time.Now()
	name := strconv.FormatInt(now.UnixNano(), 10) + "-" + b.sender + "-" + uuid.NewString()[:8] + msgSuffix
	tmp := filepath.Join(b.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(msg), 0o600); err != nil {
		return fmt.Errorf("write bus message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish bus message: %w", err)
	}
	b.log.Debug("bus publish", zap.String("message", string(msg)))
	return nil
}

// Subscribe registers handler for messages published after this call. The
// returned function removes it. Handlers run on the bus goroutine.
func (b *Bus) Subscribe(handler Handler) (cancel func()) {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Close stops watching the channel.
func (b *Bus) Close() error {
	if !b.Available() {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.watcher.Close()
	<-b.done
	return err
}

func (b *Bus) run() {
	defer close(b.done)
	// Listeners sweep too, so a channel whose publishers have gone away is
	// still trimmed.
	sweeper := time.NewTicker(b.retention)
	defer sweeper.Stop()
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Remove != 0 {
				b.forget(filepath.Base(event.Name))
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			b.deliver(event.Name)
		case <-sweeper.C:
			b.sweep()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("bus watcher error", zap.Error(err))
		}
	}
}

// deliver reads one message file and hands it to the handlers once.
func (b *Bus) deliver(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, msgSuffix) {
		return
	}
	if senderOf(name) == b.sender {
		return
	}

	b.mu.Lock()
	if _, dup := b.seen[name]; dup {
		b.mu.Unlock()
		return
	}
	b.seen[name] = struct{}{}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	data, err := os.ReadFile(path) //nolint:gosec // path is inside the channel directory
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.log.Debug("bus read failed", zap.String("file", name), zap.Error(err))
		}
		return
	}
	msg := Message(strings.TrimSpace(string(data)))
	if !msg.Known() {
		b.log.Debug("bus message ignored", zap.String("message", string(msg)))
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

// sweep removes message files older than the retention window and forgets
// them in the seen set.
func (b *Bus) sweep() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-b.retention)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(b.dir, e.Name()))
		b.forget(e.Name())
	}
}

// forget drops a message file name from the seen set once the file is gone.
func (b *Bus) forget(name string) {
	b.mu.Lock()
	delete(b.seen, name)
	b.mu.Unlock()
}

// senderOf extracts the sender id from "<nanos>-<sender>-<nonce>.msg".
func senderOf(name string) string {
	name = strings.TrimSuffix(name, msgSuffix)
	first := strings.IndexByte(name, '-')
	last := strings.LastIndexByte(name, '-')
	if first < 0 || last <= first {
		return ""
	}
	return name[first+1 : last]
}

// sanitize keeps sender ids safe for file names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}
