package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mercator-hq/prgate/pkg/config"
)

// certReloader serves the current key pair and swaps it when either file
// changes on disk, so renewed certificates need no restart.
type certReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

func newCertReloader(certFile, keyFile string) (*certReloader, error) {
	r := &certReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   slog.Default().With("component", "server.tls"),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	if time.Now().After(leaf.NotAfter) {
		return fmt.Errorf("certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
	}
	cert.Leaf = leaf

	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()

	days := int(time.Until(leaf.NotAfter).Hours() / 24)
	if days < 30 {
		r.logger.Warn("certificate expiring soon", "subject", leaf.Subject.CommonName, "expires_in_days", days)
	} else {
		r.logger.Info("certificate loaded", "subject", leaf.Subject.CommonName, "expires_in_days", days)
	}
	return nil
}

func (r *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// watcher watches the certificate directories. Directories are watched
// rather than files because secret mounts replace files through symlink
// swaps.
func (r *certReloader) watcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dirs := map[string]bool{filepath.Dir(r.certFile): true, filepath.Dir(r.keyFile): true}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// watch reloads on changes to either file until ctx is done.
func (r *certReloader) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	certPath, _ := filepath.Abs(r.certFile)
	keyPath, _ := filepath.Abs(r.keyFile)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name, _ := filepath.Abs(ev.Name)
			if name != certPath && name != keyPath {
				continue
			}
			// The pair is mismatched until both halves are written.
			if err := r.reload(); err != nil {
				r.logger.Debug("certificate reload deferred", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Error("certificate watcher error", "error", err)
		}
	}
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// newTLSConfig builds the listener config backed by a reloader.
func newTLSConfig(cfg config.TLSConfig) (*tls.Config, *certReloader, error) {
	r, err := newCertReloader(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	return &tls.Config{
		MinVersion:     tlsMinVersion(cfg.MinVersion),
		GetCertificate: r.getCertificate,
	}, r, nil
}
