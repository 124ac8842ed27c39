// hostkey.go supplements the bare HostKeyCallback interface with an on-disk
// trust-on-first-use store, the same known_hosts shape OpenSSH itself uses,
// resolved via the repurposed internal/config.
package keyload

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"sshcore/internal/kex"
)

// KnownHosts is an in-memory, file-backed cache of "host keytype
// base64(blob)" lines, one fingerprint per previously trusted server.
type KnownHosts struct {
	path string

	mu      sync.Mutex
	entries map[string]string // host -> "keytype base64blob"
}

// LoadKnownHosts reads path if it exists (a missing file is not an error —
// it means no host has been trusted yet) into a KnownHosts cache that Add
// will append new entries to.
func LoadKnownHosts(path string) (*KnownHosts, error) {
	kh := &KnownHosts{path: path, entries: make(map[string]string)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return kh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sshcore: keyload: open known_hosts: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		kh.entries[fields[0]] = fields[1] + " " + fields[2]
	}
	return kh, scanner.Err()
}

// Lookup reports the cached fingerprint for host, if any.
func (kh *KnownHosts) Lookup(host string) (fingerprint string, ok bool) {
	kh.mu.Lock()
	defer kh.mu.Unlock()
	fingerprint, ok = kh.entries[host]
	return fingerprint, ok
}

// Add records host's key and appends it to the on-disk cache.
func (kh *KnownHosts) Add(host string, key ssh.PublicKey) error {
	fingerprint := key.Type() + " " + marshalBase64(key)

	kh.mu.Lock()
	kh.entries[host] = fingerprint
	kh.mu.Unlock()

	f, err := os.OpenFile(kh.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("sshcore: keyload: open known_hosts for append: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", host, fingerprint)
	return err
}

// DefaultHostKeyCallback returns a kex.HostKeyCallback that accepts a
// server identity whose key matches kh's cached fingerprint for it.
// On a first-ever connection to a host, it defers to fallback (typically an
// interactive trust-on-first-use prompt); if fallback accepts, the key is
// recorded so later connections no longer need it. A mismatch between the
// cached fingerprint and the key offered is always rejected, regardless of
// what fallback would say — that is the entire point of a known_hosts
// cache.
func DefaultHostKeyCallback(kh *KnownHosts, fallback kex.HostKeyCallback) kex.HostKeyCallback {
	return func(serverIdentity string, key kex.PublicKey) error {
		want, ok := kh.Lookup(serverIdentity)
		if ok {
			got := key.Type() + " " + marshalBase64(key)
			if got != want {
				return fmt.Errorf("sshcore: keyload: host key for %s does not match known_hosts entry (got %q, want %q)", serverIdentity, got, want)
			}
			return nil
		}
		if fallback == nil {
			return fmt.Errorf("sshcore: keyload: %s is not in known_hosts and no fallback callback is configured", serverIdentity)
		}
		if err := fallback(serverIdentity, key); err != nil {
			return err
		}
		return kh.Add(serverIdentity, key)
	}
}

func marshalBase64(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}
