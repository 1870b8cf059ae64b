package config

import (
	"context"
	"sync"
)

// FilePersister writes a live configuration back to the file it came from.
type FilePersister struct {
	path string
	cfg  *Config
	mu   sync.Mutex
}

func NewFilePersister(path string, cfg *Config) *FilePersister {
	return &FilePersister{path: path, cfg: cfg}
}

func (p *FilePersister) Persist(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Save(p.path, p.cfg)
}
