package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultMaxBytes int64 = 10 * 1024 * 1024
	channelPrefix         = "channels/"
	backupPrefix          = "backups/"
	knowledgeExt          = ".txt"
	textContentType       = "text/plain; charset=utf-8"
)

var (
	// ErrTooLarge is returned when a knowledge base exceeds the size cap.
	ErrTooLarge = errors.New("knowledge: content exceeds size limit")
	// ErrInvalidEncoding is returned for content that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("knowledge: content is not valid UTF-8")
	// ErrNotFound is returned when a channel has no knowledge base.
	ErrNotFound = errors.New("knowledge: no knowledge base for channel")
	// ErrInvalidChannel is returned for channel ids the store cannot key on.
	ErrInvalidChannel = errors.New("knowledge: invalid channel id")
)

// Info describes one channel's stored knowledge base.
type Info struct {
	ChannelID string    `json:"channel_id"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store owns the per-channel knowledge text. Writes for a channel are
// serialized through a keyed lock; reads go straight to the blob backend,
// which replaces objects atomically.
type Store struct {
	objects  objectStore
	maxBytes int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStoreFromEnv builds a store on the MinIO backend. KNOWLEDGE_MAX_BYTES
// overrides the 10 MB default cap.
func NewStoreFromEnv() (*Store, error) {
	objects, err := newMinioStoreFromEnv()
	if err != nil {
		return nil, err
	}

	maxBytes := defaultMaxBytes
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_MAX_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			maxBytes = parsed
		}
	}

	return newStore(objects, maxBytes), nil
}

func newStore(objects objectStore, maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Store{
		objects:  objects,
		maxBytes: maxBytes,
		locks:    make(map[string]*sync.Mutex),
	}
}

// MaxBytes reports the configured size cap.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

func (s *Store) channelLock(channelID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[channelID] = lock
	}
	return lock
}

func channelKey(channelID string) (string, error) {
	trimmed := strings.TrimSpace(channelID)
	if trimmed == "" {
		return "", ErrInvalidChannel
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channelID)
		}
	}
	return channelPrefix + trimmed + knowledgeExt, nil
}

func channelFromKey(key string) string {
	name := strings.TrimPrefix(key, channelPrefix)
	return strings.TrimSuffix(name, knowledgeExt)
}

// Put validates and stores the knowledge text for a channel, replacing any
// previous content wholesale.
func (s *Store) Put(ctx context.Context, channelID, text string) error {
	key, err := channelKey(channelID)
	if err != nil {
		return err
	}
	if int64(len(text)) > s.maxBytes {
		return fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, len(text), s.maxBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	return s.objects.Put(ctx, key, []byte(text), textContentType)
}

// Get returns the knowledge text for a channel, or ErrNotFound.
func (s *Store) Get(ctx context.Context, channelID string) (string, error) {
	key, err := channelKey(channelID)
	if err != nil {
		return "", err
	}
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errObjectNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Exists reports whether a channel has a knowledge base.
func (s *Store) Exists(ctx context.Context, channelID string) (bool, error) {
	if _, err := s.Stat(ctx, channelID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat returns size and last-update metadata for a channel's knowledge base.
func (s *Store) Stat(ctx context.Context, channelID string) (Info, error) {
	key, err := channelKey(channelID)
	if err != nil {
		return Info{}, err
	}
	stat, err := s.objects.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, errObjectNotFound) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	return Info{ChannelID: channelID, Size: stat.Size, UpdatedAt: stat.UpdatedAt}, nil
}

// Delete removes a channel's knowledge base. Returns ErrNotFound when the
// channel was never provisioned.
func (s *Store) Delete(ctx context.Context, channelID string) error {
	key, err := channelKey(channelID)
	if err != nil {
		return err
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.objects.Remove(ctx, key); err != nil {
		if errors.Is(err, errObjectNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Channels lists every provisioned channel, sorted by id.
func (s *Store) Channels(ctx context.Context) ([]Info, error) {
	objects, err := s.objects.List(ctx, channelPrefix)
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(objects))
	for _, obj := range objects {
		infos = append(infos, Info{
			ChannelID: channelFromKey(obj.Key),
			Size:      obj.Size,
			UpdatedAt: obj.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ChannelID < infos[j].ChannelID })
	return infos, nil
}
