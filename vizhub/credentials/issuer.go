// Package credentials issues the per-instance identity and secret for a
// launched trame app.
//
// The auth token reaches the child through a private temporary file whose
// path is passed on the command line (--authKeyFile), never through the
// environment.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

const (
	// IDBytes is the amount of randomness in an instance ID (16 hex chars).
	IDBytes = 8
	// TokenBytes is the amount of randomness in an auth token (256 bits).
	TokenBytes = 32
)

// Credentials is the identity and secret of one instance.
type Credentials struct {
	ID            string `json:"id"`
	AuthToken     string `json:"-"`
	AuthTokenPath string `json:"auth_token_path"`

	removeOnce sync.Once
}

// Remove deletes the token file. It is safe to call more than once.
func (c *Credentials) Remove() error {
	var err error
	c.removeOnce.Do(func() {
		if c.AuthTokenPath == "" {
			return
		}
		if rmErr := os.Remove(c.AuthTokenPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}

// Issuer creates credentials and per-instance log files.
type Issuer struct {
	dir    string
	random io.Reader
}

// Config holds configuration options for the Issuer.
type Config struct {
	Dir    string    // Optional, defaults to os.TempDir()
	Random io.Reader // Optional, defaults to crypto/rand.Reader
}

// NewIssuer creates an Issuer.
func NewIssuer(config Config) *Issuer {
	random := config.Random
	if random == nil {
		random = rand.Reader
	}
	return &Issuer{dir: config.Dir, random: random}
}

// NewID returns a random hex-encoded instance ID.
func (i *Issuer) NewID() (string, error) {
	b := make([]byte, IDBytes)
	if _, err := io.ReadFull(i.random, b); err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewToken returns a random URL-safe token with TokenBytes of entropy.
func (i *Issuer) NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := io.ReadFull(i.random, b); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue generates an ID and a token and writes the token to a new private
// file. The file holds the token and nothing else.
func (i *Issuer) Issue() (*Credentials, error) {
	id, err := i.NewID()
	if err != nil {
		return nil, types.ResourceError("issue credentials", err)
	}
	token, err := i.NewToken()
	if err != nil {
		return nil, types.ResourceError("issue credentials", err)
	}

	path, err := writePrivateFile(i.dir, "vizhub-key-*", []byte(token))
	if err != nil {
		return nil, types.ResourceError("write auth token file", err)
	}

	return &Credentials{
		ID:            id,
		AuthToken:     token,
		AuthTokenPath: path,
	}, nil
}

// OpenLogSink creates the file that receives an instance's stdout and stderr.
func (i *Issuer) OpenLogSink(id string) (*os.File, error) {
	f, err := os.CreateTemp(i.dir, "vizhub-"+id+"-*.log")
	if err != nil {
		return nil, types.ResourceError("open log sink", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, types.ResourceError("open log sink", err)
	}
	return f, nil
}

// writePrivateFile creates a 0600 file holding data. On failure the file is
// removed so a partial token is never left behind.
func writePrivateFile(dir, pattern string, data []byte) (_ string, err error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(name)
		}
	}()

	// CreateTemp already uses 0600; make it explicit regardless of umask.
	if err = f.Chmod(0o600); err != nil {
		return "", err
	}
	if _, err = f.Write(data); err != nil {
		return "", err
	}
	if err = f.Sync(); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return name, nil
}
