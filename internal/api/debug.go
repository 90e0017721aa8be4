package api

import (
	"net/http"
	"time"

	"lastmile/internal/auth"
	"lastmile/internal/buildinfo"
)

// DebugJSON reports build info and the non-secret parts of the config.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":             s.Cfg.Port,
			"authMode":         s.Cfg.Auth.Mode,
			"matrixProvider":   s.Cfg.Matrix.Provider,
			"rateRps":          s.Cfg.Rate.RPS,
			"rateBurst":        s.Cfg.Rate.Burst,
			"webhookAttempts":  s.Cfg.Webhooks.MaxAttempts,
			"hasDatabaseUrl":   s.Cfg.DatabaseURL != "",
			"hasSqlitePath":    s.Cfg.SQLitePath != "",
			"hasRedisUrl":      s.Cfg.RedisURL != "",
			"optimizerDefault": s.Cfg.Optimizer.AsMap(),
		},
	})
}
