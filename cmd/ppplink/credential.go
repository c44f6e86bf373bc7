package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/codelaboratoryltd/ppplink/pkg/auth"
)

// fileCredentialProvider authenticates PAP Authenticate-Requests against
// a flat "user:password" file, one entry per line, read when the provider
// is built. This mirrors the teacher's resolveSecret file-backed
// secret pattern, generalized from a single shared secret to a
// per-subscriber credential table.
type fileCredentialProvider struct {
	mu    sync.RWMutex
	creds map[string]string
}

func newFileCredentialProvider(path string) (*fileCredentialProvider, error) {
	p := &fileCredentialProvider{}
	if err := p.reload(path); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *fileCredentialProvider) reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("credentials: open %s: %w", path, err)
	}
	defer f.Close()

	creds := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		creds[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("credentials: read %s: %w", path, err)
	}

	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return nil
}

// Authenticate implements auth.CredentialProvider.
func (p *fileCredentialProvider) Authenticate(_ context.Context, peerID, password string) (auth.Outcome, error) {
	p.mu.RLock()
	want, ok := p.creds[peerID]
	p.mu.RUnlock()

	if !ok || want != password {
		return auth.Outcome{Success: false, RejectReason: "invalid credentials"}, nil
	}
	return auth.Outcome{Success: true, SessionOpts: map[string]string{"username": peerID}}, nil
}

var _ auth.CredentialProvider = (*fileCredentialProvider)(nil)
