// Package app wires the CutClip license core into a runnable application.
//
// # Initialization Flow
//
// New builds components in dependency order:
//
//	1. Resolve the home directory layout and create it
//	2. Initialize logging and OpenTelemetry
//	3. Open the local state store and the device fingerprint manager
//	4. Open the secret vault, keyed by the device fingerprint
//	5. Create the trust client, the event loop and the license manager
//	6. Create the session coordinator with its binary and network signals
//	7. Create the WebSocket hub and the status API
//
// Nothing runs until Serve (long running) or Exec (one-shot commands).
//
// # Usage
//
//	a, err := app.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer a.Close(context.Background())
//	return a.Run(ctx)
package app
