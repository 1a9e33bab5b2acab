// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// controllerListener accepts a controller link over WebSocket. Only one
// controller is served at a time since the hub has a single command slot.
type controllerListener struct {
	addr     string
	path     string
	username string
	password string
	logger   *zap.Logger
	serve    func(ctx context.Context, conn Connection) error

	busy sync.Mutex
}

func (l *controllerListener) authorized(r *http.Request) bool {
	if l.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(l.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(l.password)) == 1
	return userOK && passOK
}

// Run listens until ctx is done
func (l *controllerListener) Run(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, func(w http.ResponseWriter, r *http.Request) {
		if !l.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="derv"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !l.busy.TryLock() {
			http.Error(w, "controller already connected", http.StatusConflict)
			return
		}
		defer l.busy.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := &WebSocketConnection{conn: ws}
		defer conn.Close()

		l.logger.Info("controller connected", zap.String("remote", r.RemoteAddr))
		if err := l.serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Info("controller link ended", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		l.logger.Info("controller disconnected", zap.String("remote", r.RemoteAddr))
	})

	srv := &http.Server{Addr: l.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.logger.Info("controller listener started", zap.String("addr", l.addr), zap.String("path", l.path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
