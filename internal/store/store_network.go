package store

import (
	"context"
	"database/sql"

	"github.com/banksean/quilt/internal/quilterr"
)

// UpsertNetworkAllocation records (or updates) the network identity
// assigned to a container.
func (s *Store) UpsertNetworkAllocation(ctx context.Context, a *NetworkAllocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_allocations (container_id, ip_address, bridge_name, veth_host, veth_container, setup_completed, cleanup_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			ip_address = excluded.ip_address,
			bridge_name = excluded.bridge_name,
			veth_host = excluded.veth_host,
			veth_container = excluded.veth_container,
			setup_completed = excluded.setup_completed,
			cleanup_pending = excluded.cleanup_pending`,
		a.ContainerID, a.IPAddress, a.BridgeName, a.VethHost, a.VethContainer,
		boolToInt(a.SetupCompleted), boolToInt(a.CleanupPending))
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.UpsertNetworkAllocation", err)
	}
	return nil
}

// GetNetworkAllocation reads the allocation for a container, if any.
func (s *Store) GetNetworkAllocation(ctx context.Context, containerID string) (*NetworkAllocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT container_id, ip_address, bridge_name, veth_host, veth_container, setup_completed, cleanup_pending
		FROM network_allocations WHERE container_id = ?`, containerID)
	a, err := scanNetworkAllocation(row)
	if err == sql.ErrNoRows {
		return nil, quilterr.New(quilterr.NotFound, "store.GetNetworkAllocation", err)
	}
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.GetNetworkAllocation", err)
	}
	return a, nil
}

// MarkNetworkCleanupPending flags an allocation's veth pair for later
// reclamation by the cleanup service and records that the IP is free for
// the pool counter's bookkeeping.
func (s *Store) MarkNetworkCleanupPending(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE network_allocations SET cleanup_pending = 1 WHERE container_id = ?`, containerID)
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.MarkNetworkCleanupPending", err)
	}
	return nil
}

// ListIPsInUse returns every recorded IP address whose allocation is not
// flagged cleanup-pending, used to
// reconstruct the allocator's high-water mark on restart.
func (s *Store) ListIPsInUse(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip_address FROM network_allocations WHERE cleanup_pending = 0`)
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.ListIPsInUse", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, quilterr.New(quilterr.Storage, "store.ListIPsInUse scan", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func scanNetworkAllocation(row rowScanner) (*NetworkAllocation, error) {
	var a NetworkAllocation
	var setupCompleted, cleanupPending int
	if err := row.Scan(&a.ContainerID, &a.IPAddress, &a.BridgeName, &a.VethHost, &a.VethContainer,
		&setupCompleted, &cleanupPending); err != nil {
		return nil, err
	}
	a.SetupCompleted = setupCompleted != 0
	a.CleanupPending = cleanupPending != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
