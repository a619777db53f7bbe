package data

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Camera is the subset of the cameras table CORE needs: resolving a
// detection/event's camera_id to a human-readable name for prompts and
// broadcast envelopes (§4.2/§6).
type Camera struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	SiteID    uuid.UUID  `json:"site_id"`
	Name      string     `json:"name"`
	IPAddress net.IP     `json:"ip_address"`
	IsEnabled bool       `json:"is_enabled"`
	Tags      []string   `json:"tags"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type CameraModel struct {
	DB DBTX
}

// GetByID retrieves a live camera by id, per §6's cameras table contract.
func (m CameraModel) GetByID(ctx context.Context, id uuid.UUID) (*Camera, error) {
	query := `
		SELECT id, tenant_id, site_id, name, ip_address,
		       is_enabled, tags, created_at, updated_at, deleted_at
		FROM cameras
		WHERE id = $1 AND deleted_at IS NULL`

	var c Camera
	var ipStr string
	var tags []string

	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.TenantID, &c.SiteID, &c.Name, &ipStr,
		&c.IsEnabled, pq.Array(&tags), &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	c.IPAddress = net.ParseIP(ipStr)
	c.Tags = tags
	return &c, nil
}
