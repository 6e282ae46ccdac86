// Package config loads runtime settings for the live tracker.
//
// Settings come from the process environment, optionally seeded from a .env
// file in the working directory. Command-line flags are applied on top by the
// caller.
//
// Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
//	slog.SetDefault(logger)
//
// Store drivers:
//   - memory: process-local, lost on restart (default)
//   - sqlite: file at SQLITE_PATH
//   - postgres: server at DATABASE_URL
package config
