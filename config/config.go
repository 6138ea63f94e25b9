// Package config provides configuration for client apps based on the
// Backpack Exchange SDK.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

// Default URL used if one isn't specified.
const (
	DefaultStreamURL = "wss://ws.backpack.exchange"

	Filepath = ".bpx/credentials.yml"
)

// Various validation errors.
var (
	ErrNilConfig      = Error{Type: "config", Why: "config is nil", How: "create and load config first"}
	ErrEmptyAPIKey    = Error{Type: "config", What: "api_key", Why: "is empty", How: "specify an api_key"}
	ErrEmptySecretKey = Error{Type: "config", What: "secret_key", Why: "is empty", How: "specify a secret_key"}
	ErrInvalidWSURL   = Error{Type: "config", Why: "wrong url", How: "URL must be a valid ws or wss url"}
	ErrInvalidScheme  = Error{Type: "config", Why: "invalid scheme", How: "scheme must be ws(s)"}
)

// BPX holds the configuration.
type BPX struct {
	mu        sync.Mutex `yaml:"-"` // protects the fields below
	APIKey    string     `yaml:"api_key"`
	SecretKey string     `yaml:"secret_key"`
	StreamURL string     `yaml:"stream_url"`
}

// New creates a new BPX from a file by the given name.
func New(name string) (*BPX, error) {
	return NewFromFilename(name)
}

// NewFromFilename creates a new BPX from a file by the given filename.
func NewFromFilename(filename string) (*BPX, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return NewFromRaw(data)
}

// NewFromRaw creates a new BPX by unmarshaling the given raw data.
func NewFromRaw(raw []byte) (*BPX, error) {
	cfg := &BPX{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Trace(err)
	}

	return cfg, nil
}

// ValidateFunc validates the config by applying each of given vfs to it.
func (c *BPX) ValidateFunc(vfs ...ValidateFuncBPX) error {
	if c == nil {
		return ErrNilConfig
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range vfs {
		if err := f(c); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// Validate validates the config by applying ValidateBPXDefault.
func (c *BPX) Validate() error {
	return c.ValidateFunc(ValidateBPXDefault)
}

// ValidateCredentials additionally requires the API key pair to be present;
// it's meant for apps which subscribe to private streams.
func (c *BPX) ValidateCredentials() error {
	return c.ValidateFunc(ValidateBPXDefault, ValidateBPXCredentials)
}

func (c *BPX) Example() *BPX {
	bpx := &BPX{}

	bpx.APIKey = "example_api_key"
	bpx.SecretKey = "example_secret_key"
	bpx.StreamURL = DefaultStreamURL

	return bpx
}

// String can't be defined on a value receiver here because of the mutex.
func (c *BPX) String() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}

	return string(raw)
}

// DefaultFilepath determines and returns default config path.
// It can return an error if detecting the user's home directory has failed.
func DefaultFilepath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Trace(err)
	}

	return filepath.Join(home, Filepath), nil
}

// Error holds details about an error occured during validation process.
type Error struct {
	Type string
	What string
	Why  string
	How  string
}

func (e Error) Error() string {
	if e.What == "" {
		return fmt.Sprintf("invalid %s: %s. Possible fix: %s", e.Type, e.Why, e.How)
	}

	return fmt.Sprintf("invalid %s: %s - %s. Possible fix: %s", e.Type, e.What, e.Why, e.How)
}

// ValidateFuncBPX takes an instance of BPX and returns an error if any
// occured during validation process.
type ValidateFuncBPX func(*BPX) error

// CheckURL checks that the url has the correct scheme.
func CheckURL(given string, schemes ...string) error {
	u, err := url.Parse(given)
	if err != nil {
		return errors.Trace(err)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return ErrInvalidScheme
}

// ValidateBPXDefault performs validation of the given config by checking the
// stream URL for correctness. It does set the default URL if one wasn't
// specified. Credentials are not required: public streams work without them.
func ValidateBPXDefault(c *BPX) error {
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL
	} else {
		if err := CheckURL(c.StreamURL, "ws", "wss"); err != nil {
			return ErrInvalidWSURL
		}
	}

	return nil
}

// ValidateBPXCredentials checks that the API key pair is present.
func ValidateBPXCredentials(c *BPX) error {
	if c.APIKey == "" {
		return ErrEmptyAPIKey
	}

	if c.SecretKey == "" {
		return ErrEmptySecretKey
	}

	return nil
}
