package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fileNotifier writes the most recent notification to a file instead of
// sending mail. It is meant for development and for tests that scrape the
// link. The link itself is never logged.
type fileNotifier struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	now    func() time.Time
}

func newFileNotifier(path string, logger *zap.Logger) (*fileNotifier, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("notifier directory: %w", err)
	}
	return &fileNotifier{path: path, logger: logger, now: time.Now}, nil
}

func (n *fileNotifier) Notify(_ context.Context, to, subject, link string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	body := fmt.Sprintf("Date: %s\nRecipient: %s\nSubject: %s\nLink: %s\n",
		n.now().UTC().Format(time.RFC3339), to, subject, link)
	if err := os.WriteFile(n.path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	n.logger.Info("notification written", zap.String("subject", subject))
	return nil
}
