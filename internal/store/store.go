// Package store persists account rows and per-feature JSON blobs in a
// bbolt database. Every account occupies one row keyed by a store-assigned
// sequential row id. The store itself is safe for concurrent point reads;
// mutations are expected to arrive through the write command runner, which
// serializes them by convention.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/accountd/internal/model"
	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the database directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second
)

// DatabaseFileName is the bbolt file holding all current data.
const DatabaseFileName = "current.db"

// ErrNoRow is returned when the requested account row does not exist.
var ErrNoRow = errors.New("no such row")

var (
	accountIDsBucket       = []byte("account_ids")
	accessTokensBucket     = []byte("access_tokens")
	refreshTokensBucket    = []byte("refresh_tokens")
	profilesBucket         = []byte("profiles")
	accountSetupsBucket    = []byte("account_setups")
	calculatorStatesBucket = []byte("calculator_states")
	googleLinksBucket      = []byte("google_links")
)

// rowKey encodes a row id as the fixed-width big-endian bucket key, so
// cursor scans iterate in insertion order.
func rowKey(rowID uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, rowID)
	return k
}

// Store wraps the bbolt database holding all persistent account data.
type Store struct {
	db *bolt.DB
}

// Open opens the database under dir, creating the directory, file, and
// buckets as needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	path := filepath.Join(dir, DatabaseFileName)

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			accountIDsBucket,
			accessTokensBucket,
			refreshTokensBucket,
			profilesBucket,
			accountSetupsBucket,
			calculatorStatesBucket,
			googleLinksBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a new identifier row and returns the internal id
// with the freshly assigned row number.
func (s *Store) CreateAccount(id model.AccountID) (model.AccountIDInternal, error) {
	var internal model.AccountIDInternal

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountIDsBucket)

		rowID, err := b.NextSequence()
		if err != nil {
			return err
		}

		if err := b.Put(rowKey(rowID), []byte(id)); err != nil {
			return err
		}

		internal = model.AccountIDInternal{AccountID: id, RowID: rowID}

		return nil
	})
	if err != nil {
		return model.AccountIDInternal{}, fmt.Errorf("storing account id: %w", err)
	}

	return internal, nil
}

// AccountIDs returns every identifier row in insertion order. Used for
// cache warm-up before the server starts accepting requests.
func (s *Store) AccountIDs() ([]model.AccountIDInternal, error) {
	var ids []model.AccountIDInternal

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountIDsBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, model.AccountIDInternal{
				AccountID: model.AccountID(v),
				RowID:     binary.BigEndian.Uint64(k),
			})

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scanning account ids: %w", err)
	}

	return ids, nil
}

// SeedAuthRows creates the empty access and refresh token rows for a new
// account. A present-but-empty row means "registered, logged out".
func (s *Store) SeedAuthRows(rowID uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(accessTokensBucket).Put(rowKey(rowID), nil); err != nil {
			return err
		}

		return tx.Bucket(refreshTokensBucket).Put(rowKey(rowID), nil)
	})
	if err != nil {
		return fmt.Errorf("seeding auth rows for row %d: %w", rowID, err)
	}

	return nil
}

// AccessToken returns the account's current access token. ok is false when
// the account is logged out. ErrNoRow means the account was never
// registered.
func (s *Store) AccessToken(rowID uint64) (model.AccessToken, bool, error) {
	var (
		token model.AccessToken
		ok    bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(accessTokensBucket).Get(rowKey(rowID))
		if v == nil {
			return ErrNoRow
		}

		if len(v) > 0 {
			token = model.AccessToken(v)
			ok = true
		}

		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reading access token for row %d: %w", rowID, err)
	}

	return token, ok, nil
}

// SetAccessToken replaces the account's access token. An empty token
// clears it (logout) while keeping the row present.
func (s *Store) SetAccessToken(rowID uint64, token model.AccessToken) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accessTokensBucket)
		if b.Get(rowKey(rowID)) == nil {
			return ErrNoRow
		}

		return b.Put(rowKey(rowID), []byte(token))
	})
	if err != nil {
		return fmt.Errorf("updating access token for row %d: %w", rowID, err)
	}

	return nil
}

// RefreshToken returns the account's current refresh token bytes. ok is
// false when no refresh token is set.
func (s *Store) RefreshToken(rowID uint64) ([]byte, bool, error) {
	var (
		token []byte
		ok    bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(refreshTokensBucket).Get(rowKey(rowID))
		if v == nil {
			return ErrNoRow
		}

		if len(v) > 0 {
			token = append([]byte(nil), v...)
			ok = true
		}

		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading refresh token for row %d: %w", rowID, err)
	}

	return token, ok, nil
}

// SetRefreshToken replaces the account's refresh token. Nil clears it
// while keeping the row present.
func (s *Store) SetRefreshToken(rowID uint64, token []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refreshTokensBucket)
		if b.Get(rowKey(rowID)) == nil {
			return ErrNoRow
		}

		return b.Put(rowKey(rowID), token)
	})
	if err != nil {
		return fmt.Errorf("updating refresh token for row %d: %w", rowID, err)
	}

	return nil
}

// getJSON reads and decodes one JSON row from bucket.
func (s *Store) getJSON(bucket []byte, rowID uint64, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(rowKey(rowID))
		if v == nil {
			return ErrNoRow
		}

		return json.Unmarshal(v, out)
	})
}

// putJSON encodes and writes one JSON row to bucket. Put both inserts and
// updates, matching the insert-or-update semantics of the JSON rows.
func (s *Store) putJSON(bucket []byte, rowID uint64, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(rowKey(rowID), data)
	})
}

// Profile returns the account's profile row.
func (s *Store) Profile(rowID uint64) (model.Profile, error) {
	var p model.Profile
	if err := s.getJSON(profilesBucket, rowID, &p); err != nil {
		return model.Profile{}, fmt.Errorf("reading profile for row %d: %w", rowID, err)
	}

	return p, nil
}

// SetProfile inserts or updates the account's profile row.
func (s *Store) SetProfile(rowID uint64, p model.Profile) error {
	if err := s.putJSON(profilesBucket, rowID, p); err != nil {
		return fmt.Errorf("writing profile for row %d: %w", rowID, err)
	}

	return nil
}

// AccountSetup returns the account's setup row.
func (s *Store) AccountSetup(rowID uint64) (model.AccountSetup, error) {
	var a model.AccountSetup
	if err := s.getJSON(accountSetupsBucket, rowID, &a); err != nil {
		return model.AccountSetup{}, fmt.Errorf("reading account setup for row %d: %w", rowID, err)
	}

	return a, nil
}

// SetAccountSetup inserts or updates the account's setup row.
func (s *Store) SetAccountSetup(rowID uint64, a model.AccountSetup) error {
	if err := s.putJSON(accountSetupsBucket, rowID, a); err != nil {
		return fmt.Errorf("writing account setup for row %d: %w", rowID, err)
	}

	return nil
}

// CalculatorState returns the account's calculator state row.
func (s *Store) CalculatorState(rowID uint64) (model.CalculatorState, error) {
	var c model.CalculatorState
	if err := s.getJSON(calculatorStatesBucket, rowID, &c); err != nil {
		return model.CalculatorState{}, fmt.Errorf("reading calculator state for row %d: %w", rowID, err)
	}

	return c, nil
}

// SetCalculatorState inserts or updates the account's calculator state row.
func (s *Store) SetCalculatorState(rowID uint64, c model.CalculatorState) error {
	if err := s.putJSON(calculatorStatesBucket, rowID, c); err != nil {
		return fmt.Errorf("writing calculator state for row %d: %w", rowID, err)
	}

	return nil
}

// SetGoogleLink records the external identity link for an account.
func (s *Store) SetGoogleLink(googleID model.GoogleAccountID, rowID uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(googleLinksBucket).Put([]byte(googleID), rowKey(rowID))
	})
	if err != nil {
		return fmt.Errorf("writing google link for row %d: %w", rowID, err)
	}

	return nil
}

// AccountWithGoogleID resolves a Google account id to the linked internal
// account id. ok is false when no account is linked.
func (s *Store) AccountWithGoogleID(googleID model.GoogleAccountID) (model.AccountIDInternal, bool, error) {
	var (
		internal model.AccountIDInternal
		ok       bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(googleLinksBucket).Get([]byte(googleID))
		if v == nil {
			return nil
		}

		rowID := binary.BigEndian.Uint64(v)

		id := tx.Bucket(accountIDsBucket).Get(rowKey(rowID))
		if id == nil {
			return fmt.Errorf("google link points at missing row %d: %w", rowID, ErrNoRow)
		}

		internal = model.AccountIDInternal{AccountID: model.AccountID(id), RowID: rowID}
		ok = true

		return nil
	})
	if err != nil {
		return model.AccountIDInternal{}, false, fmt.Errorf("resolving google link: %w", err)
	}

	return internal, ok, nil
}
