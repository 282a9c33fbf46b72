package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the configuration directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// FileName is the database file inside the configuration directory.
	FileName = "state.db"
)

var (
	appBucket      = []byte("app")
	usernameKey    = []byte("username")
	anisetteBucket = []byte("anisette")
)

// AnisetteIdentity is a provisioned device identity for one anisette
// server. It identifies the emulated device, not the account, and holds
// no credentials.
type AnisetteIdentity struct {
	ServerURL     string `json:"server_url"`
	Identifier    string `json:"identifier"`
	ADIPb         string `json:"adi_pb"`
	DeviceID      string `json:"device_id"`
	ProvisionedAt int64  `json:"provisioned_at"`
}

// State wraps a bbolt database for persistent, non-secret state.
type State struct {
	db *bolt.DB
}

// Load opens the state database inside dir, creating both if needed.
func Load(dir string) (*State, error) {
	return LoadAt(filepath.Join(dir, FileName))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(anisetteBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Username returns the last account name used, or empty string.
func (s *State) Username() string {
	var username string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(usernameKey); v != nil {
			username = string(v)
		}

		return nil
	})

	return username
}

// SetUsername remembers the account name for the next prompt.
func (s *State) SetUsername(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(usernameKey, []byte(username))
	})
}

// AnisetteIdentity returns the identity provisioned against serverURL,
// or nil when there is none.
func (s *State) AnisetteIdentity(serverURL string) (*AnisetteIdentity, error) {
	var id *AnisetteIdentity

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(anisetteBucket).Get([]byte(serverURL))
		if v == nil {
			return nil
		}

		id = &AnisetteIdentity{}

		return json.Unmarshal(v, id)
	})
	if err != nil {
		return nil, fmt.Errorf("reading anisette identity: %w", err)
	}

	return id, nil
}

// SetAnisetteIdentity stores id under its ServerURL.
func (s *State) SetAnisetteIdentity(id AnisetteIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshalling anisette identity: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(anisetteBucket).Put([]byte(id.ServerURL), data)
	})
}

// DeleteAnisetteIdentity forgets the identity for serverURL so the next
// use provisions a new one.
func (s *State) DeleteAnisetteIdentity(serverURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(anisetteBucket).Delete([]byte(serverURL))
	})
}
