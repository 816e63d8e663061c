// Package wa connects tenants to WhatsApp through whatsmeow and maps its
// event types onto the normalized transport model.
package wa

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/datadir"
	"github.com/zapdesk/zapdesk/internal/transport"

	_ "github.com/mattn/go-sqlite3"
)

// Dialer opens one whatsmeow-backed connection per tenant. Each tenant gets
// its own credential store under the tenant directory.
type Dialer struct {
	layout datadir.Layout
	logger *zap.Logger
}

// NewDialer creates a Dialer rooted at the given data directory layout.
func NewDialer(layout datadir.Layout, logger *zap.Logger) *Dialer {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("ZapDesk", [3]uint32{0, 1, 0})

	return &Dialer{layout: layout, logger: logger}
}

// Dial opens the tenant's credential store and builds a connection around it.
// The connection is not yet established; callers drive Pair/Connect.
func (d *Dialer) Dial(ctx context.Context, tenantID string) (transport.Conn, error) {
	if err := datadir.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := d.layout.EnsureTenantDir(tenantID); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	dbPath := d.layout.DeviceDBPath(tenantID)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	c := &conn{
		tenantID:  tenantID,
		client:    client,
		container: container,
		events:    make(chan transport.Envelope, eventBuffer),
		done:      make(chan struct{}),
		logger:    d.logger.With(zap.String("tenant", tenantID)),
	}
	c.handlerID = client.AddEventHandler(c.handle)

	return c, nil
}
