// Package app wires the devicehub components together and owns the process
// lifecycle.
//
// # Initialization Flow
//
//	1. Resolve paths and create the data, artifacts and logs directories
//	2. Initialize OpenTelemetry and the business metrics
//	3. Open the configured store (JSON files or SQLite)
//	4. Build the presence registry, license ledger and delivery coordinator
//	5. Create the websocket hub and install the frame router
//	6. Set up HTTP handlers and middleware
//
// # Background Work
//
// Run starts the HTTP server, the hub loop, a periodic presence resync and
// the grant prune sweep in one errgroup. Cancelling the context shuts the
// server down gracefully, then closes the store and flushes telemetry.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	application, err := app.New(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
package app
