// Package shutdown coordinates graceful process termination.
//
// Components register named hooks; Wait blocks until SIGINT, SIGTERM,
// a Trigger call or context cancellation, then runs the hooks in reverse
// registration order under one timeout.
//
// Usage:
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("http", srv.Shutdown)
//	h.OnShutdown("storage", engine.Close)
//	err := h.Wait(ctx)
package shutdown
