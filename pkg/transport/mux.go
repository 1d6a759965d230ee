package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/errs"
)

// MuxDialer routes each Dial to the dialer registered for the target's config
// key, falling back to Default.
type MuxDialer struct {
	Default  Dialer
	Backends map[string]Dialer
}

var _ Dialer = (*MuxDialer)(nil)

func (m *MuxDialer) Dial(ctx context.Context, target Target) (Transport, error) {
	d := m.Backends[target.ConfigKey]
	if d == nil {
		d = m.Default
	}
	if d == nil {
		return nil, errs.Connection("transport.dial", target.String(), errors.Errorf("no dialer for backend %q", target.ConfigKey))
	}
	return d.Dial(ctx, target)
}
