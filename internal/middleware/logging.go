// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LogMiddleware logs method, path, duration and remote of each request.
// The ResponseWriter passes through unwrapped so websocket upgrades keep
// their Hijacker.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			method := r.Method

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   method,
				"path":     path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Info("HTTP request")
		})
	}
}

// LogSocketConnect is called once a websocket upgrade is accepted.
func LogSocketConnect(logger *logrus.Logger, remoteAddr, userID string) {
	logger.WithFields(logrus.Fields{
		"remote":  remoteAddr,
		"user_id": userID,
	}).Info("Socket connected")
}

// LogSocketDisconnect is called when a websocket client goes away.
func LogSocketDisconnect(logger *logrus.Logger, remoteAddr, userID string, err error) {
	fields := logrus.Fields{
		"remote":  remoteAddr,
		"user_id": userID,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("Socket disconnected")
}
