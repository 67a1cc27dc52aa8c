// Package ids generates the time-ordered identifiers used across queuegate:
// sandbox queue ids and the agent's stable instance id.
//
// Every id is a ULID, so ids sort by creation time and two ids minted in the
// same millisecond by the same process stay ordered.
package ids

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const instanceIDFile = "instance_id"

var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID stamped with now.
func New(now time.Time) (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is like New(time.Now()) but panics on error.
func MustNew() string {
	id, err := New(time.Now())
	if err != nil {
		panic(fmt.Sprintf("ids.MustNew: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

// Instance returns the id persisted in dir/instance_id, creating it on first
// use. An override other than "" or "auto" is validated and returned as-is.
func Instance(dir, override string) (string, error) {
	if override != "" && override != "auto" {
		if err := Validate(override); err != nil {
			return "", fmt.Errorf("ids: invalid instance id override %q: %w", override, err)
		}
		return override, nil
	}
	if dir == "" {
		return "", errors.New("ids: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("ids: create dir: %w", err)
	}

	path := filepath.Join(dir, instanceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := Validate(id); err != nil {
			return "", fmt.Errorf("ids: persisted id %q is invalid: %w", id, err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ids: read id file: %w", err)
	}

	id, err := New(time.Now())
	if err != nil {
		return "", fmt.Errorf("ids: generate: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ids: persist id: %w", err)
	}
	return id, nil
}
