package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrej220/logfleet/pkg/lg"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          lg.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8090",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Logger:          lg.Discard,
	}
}

// RunServer serves handler until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig) error {
	if config.Port == "" {
		config.Port = DefaultServerConfig().Port
	}
	logger := config.Logger
	if logger == nil {
		logger = lg.Discard
	}

	server := &http.Server{
		Addr:         net.JoinHostPort("", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", lg.String("port", config.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

type requestKey struct{}

// ValidationHandler decodes a JSON body into T, validates it and passes it
// to next through the request context.
type ValidationHandler[T any] struct {
	next     http.Handler
	validate func(any) error
}

func NewValidationHandler[T any](next http.Handler, validate func(any) error) http.Handler {
	return &ValidationHandler[T]{next: next, validate: validate}
}

func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var request T
	decoder := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		http.Error(rw, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if h.validate != nil {
		if err := h.validate(request); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
	}
	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// RequestFrom returns the request stored by ValidationHandler[T].
func RequestFrom[T any](ctx context.Context) (T, bool) {
	req, ok := ctx.Value(requestKey{}).(T)
	return req, ok
}

func WriteJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	enc := json.NewEncoder(rw)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
