// Package config persists the small amount of state the protocol stack
// keeps across restarts: the trusted-client table of the network transport,
// settable feature values of virtual nodes, and the feedback-address
// mapping table. The store is section-keyed (trust.*, vnode.*, feedback.*)
// and backed by a single YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/logger"
)

// TrustedClient is one persisted pairing-table entry, keyed by the peer's
// short UID (class bytes stripped, since they may change across firmware).
type TrustedClient struct {
	ProdString string `mapstructure:"product"`
	UserName   string `mapstructure:"username"`
}

// Store is the persisted key/value store. All accessors are safe for
// concurrent use; Save writes the whole store back to disk.
type Store struct {
	mu     sync.Mutex
	v      *viper.Viper
	path   string
	logger logger.Logger
}

// Open loads the store from path, creating an empty store when the file
// does not exist yet.
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		log.Debug("config: starting with empty store", "path", path)
	}

	return &Store{v: v, path: path, logger: log}, nil
}

// Save writes the store to disk, creating parent directories as needed.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}

	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}

	return nil
}

// --- Trusted clients ---

// trustID normalizes a short UID for use as a map key; viper lowercases
// all keys.
func trustID(short bidib.ShortUID) string {
	return strings.ToLower(short.String())
}

// trustSection reads the whole trust table. Viper cannot delete individual
// override keys, so mutations rewrite the section as one value.
func (s *Store) trustSection() map[string]TrustedClient {
	section := make(map[string]TrustedClient)
	if err := s.v.UnmarshalKey("trust", &section); err != nil {
		s.logger.Warn("config: malformed trust section", "error", err)
	}

	return section
}

// Trusted returns the persisted entry for the peer, if any.
func (s *Store) Trusted(short bidib.ShortUID) (TrustedClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, ok := s.trustSection()[trustID(short)]

	return tc, ok
}

// SetTrusted records the peer as trusted.
func (s *Store) SetTrusted(short bidib.ShortUID, tc TrustedClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	section := s.trustSection()
	section[trustID(short)] = tc

	s.v.Set("trust", toPlainTrust(section))
}

// RemoveTrusted removes the peer from the trust table.
func (s *Store) RemoveTrusted(short bidib.ShortUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	section := s.trustSection()
	delete(section, trustID(short))

	s.v.Set("trust", toPlainTrust(section))
}

// IsTrusted reports whether the peer has a trust entry.
func (s *Store) IsTrusted(short bidib.ShortUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.trustSection()[trustID(short)]

	return ok
}

// toPlainTrust converts the typed table into the plain-map form viper
// serializes cleanly.
func toPlainTrust(section map[string]TrustedClient) map[string]any {
	out := make(map[string]any, len(section))
	for id, tc := range section {
		out[id] = map[string]any{
			"product":  tc.ProdString,
			"username": tc.UserName,
		}
	}

	return out
}

// --- Virtual node features ---

func vnodeKey(short bidib.ShortUID, id uint8) string {
	return "vnode." + short.String() + ".features." + strconv.Itoa(int(id))
}

// VirtualFeature returns the persisted value of a settable virtual-node
// feature.
func (s *Store) VirtualFeature(short bidib.ShortUID, id uint8) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := vnodeKey(short, id)
	if !s.v.IsSet(key) {
		return 0, false
	}

	return uint8(s.v.GetUint16(key)), true //nolint:gosec // feature values are 0..255
}

// SetVirtualFeature persists a settable virtual-node feature value.
func (s *Store) SetVirtualFeature(short bidib.ShortUID, id uint8, value uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(vnodeKey(short, id), int(value))
}

func vnodeNameKey(short bidib.ShortUID) string {
	return "vnode." + short.String() + ".username"
}

// NodeUserName returns the persisted user-assigned name of a virtual node.
func (s *Store) NodeUserName(short bidib.ShortUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := vnodeNameKey(short)
	if !s.v.IsSet(key) {
		return "", false
	}

	return s.v.GetString(key), true
}

// SetNodeUserName persists the user-assigned name of a virtual node.
func (s *Store) SetNodeUserName(short bidib.ShortUID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(vnodeNameKey(short), name)
}

// --- Feedback address mapping ---

func feedbackKey(short bidib.ShortUID) string {
	return "feedback." + short.String() + ".base"
}

// FeedbackBase returns the configured base offset of the device's feedback
// bits in the flat feedback space.
func (s *Store) FeedbackBase(short bidib.ShortUID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := feedbackKey(short)
	if !s.v.IsSet(key) {
		return 0, false
	}

	return s.v.GetInt(key), true
}

// SetFeedbackBase persists the base offset for the device.
func (s *Store) SetFeedbackBase(short bidib.ShortUID, base int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(feedbackKey(short), base)
}
