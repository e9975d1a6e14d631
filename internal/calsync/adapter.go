package calsync

import (
	"context"
	"time"

	"github.com/bridgecal/bridgecal/internal/bridgecal"
)

// Adapter is what the engine demands of each calendar side. ListWindow
// enumerates raw records overlapping [start, end); recurring series arrive
// expanded to per-instance entries, and any marker fields BridgeCal
// previously wrote must be included. cursor is opaque; adapters that do not
// support incremental listing accept "" and return "".
//
// Create writes the mirror marker derived from the payload's Marker field
// and must never send invitations or notifications. Update preserves the
// marker. Delete of a missing target is not an error.
//
// Within one adapter, calls from one tick are sequential.
type Adapter interface {
	Origin() bridgecal.Origin
	ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]bridgecal.Raw, string, error)
	Create(ctx context.Context, event bridgecal.CanonicalEvent) (string, error)
	Update(ctx context.Context, id string, event bridgecal.CanonicalEvent) error
	Delete(ctx context.Context, id string) error
	ReadOnly() bool
}

// HealthChecker is implemented by adapters that can verify connectivity and
// credentials without mutating anything. Used by the doctor command.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Logger matches the standard library logger surface the engine needs.
type Logger interface {
	Printf(format string, args ...any)
}
