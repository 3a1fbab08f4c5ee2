package satellite

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
)

// Meta keys persisted in the meta table.
const (
	metaClientID      = "clientId"
	metaLSN           = "lsn"
	metaLastAckdRowID = "lastAckdRowId"
	metaLastSentRowID = "lastSentRowId"
	metaSubscriptions = "subscriptions"
	metaLastMigration = "lastMigration"
)

// metaStore is a typed key/value view over the meta table.
type metaStore struct {
	adapter Adapter
	table   string
}

func newMetaStore(adapter Adapter, table string) *metaStore {
	return &metaStore{adapter: adapter, table: table}
}

func (m *metaStore) get(ctx context.Context, key string) (string, error) {
	rows, err := m.adapter.Query(ctx, Stmt(
		fmt.Sprintf("SELECT value FROM %s WHERE key = ?", m.table), key))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	v, _ := rows[0]["value"].(string)
	return v, nil
}

func (m *metaStore) set(ctx context.Context, key, value string) error {
	_, err := m.adapter.Run(ctx, m.setStmt(key, value))
	return err
}

// setStmt returns the upsert statement so callers can fold meta updates into
// a larger transaction.
func (m *metaStore) setStmt(key, value string) Statement {
	return Stmt(fmt.Sprintf(
		"INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		m.table), key, value)
}

func (m *metaStore) getUint64(ctx context.Context, key string) (uint64, error) {
	v, err := m.get(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s holds %q: %w", key, v, err)
	}
	return n, nil
}

func (m *metaStore) setUint64(ctx context.Context, key string, n uint64) error {
	return m.set(ctx, key, strconv.FormatUint(n, 10))
}

// getBytes decodes a base64-encoded value; absent keys decode to nil.
func (m *metaStore) getBytes(ctx context.Context, key string) ([]byte, error) {
	v, err := m.get(ctx, key)
	if err != nil || v == "" {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("meta %s holds %q: %w", key, v, err)
	}
	return data, nil
}

func (m *metaStore) setBytes(ctx context.Context, key string, data []byte) error {
	return m.set(ctx, key, base64.StdEncoding.EncodeToString(data))
}

func (m *metaStore) setBytesStmt(key string, data []byte) Statement {
	return m.setStmt(key, base64.StdEncoding.EncodeToString(data))
}
