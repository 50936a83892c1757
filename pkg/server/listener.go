package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tokenrelay/tokenrelay/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	rebindTimeout     = 10 * time.Second
)

// Listener manages the HTTP listener lifecycle. It is either unbound or
// bound to one port; config reloads move it between ports. The new listener
// accepts connections only after the old one has been fully released, and
// in-flight requests complete on the old listener.
type Listener struct {
	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	port int
	done chan struct{}
}

// NewListener creates an unbound listener serving handler once bound.
func NewListener(handler http.Handler) *Listener {
	return &Listener{handler: handler}
}

// Rebind transitions the listener to port. Rebinding to the currently bound
// port is a no-op; port <= 0 unbinds. On bind failure the listener stays
// unbound and the error is returned; the next config change retries.
func (l *Listener) Rebind(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.srv != nil && l.port == port {
		return nil
	}
	if l.srv == nil && port <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), rebindTimeout)
	defer cancel()
	if err := l.unbindLocked(ctx); err != nil {
		logger.Warnf("Error releasing listener on port %d: %v", l.port, err)
	}

	if port <= 0 {
		logger.Info("HTTP listener disabled by configuration")
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Errorf("Can't bind port %d: %v", port, err)
		return err
	}

	srv := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP listener on port %d stopped: %v", port, err)
		}
	}()

	l.srv = srv
	l.ln = ln
	l.port = port
	l.done = done
	logger.Infof("HTTP listener bound on port %d", port)
	return nil
}

// Shutdown gracefully releases the listener, draining in-flight requests.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unbindLocked(ctx)
}

// Port returns the currently bound port, or zero when unbound.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Addr returns the bound network address, or empty when unbound.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

func (l *Listener) unbindLocked(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	err := l.srv.Shutdown(ctx)
	<-l.done
	l.srv = nil
	l.ln = nil
	l.port = 0
	l.done = nil
	return err
}
