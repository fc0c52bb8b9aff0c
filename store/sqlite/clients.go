/*
clients.go - Client persistence
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/crew-ledger/domain"
)

const clientColumns = "id, name, contact, default_pricing_rule, status, created_at"

func scanClient(row interface{ Scan(...any) error }) (domain.Client, error) {
	var c domain.Client
	var contact, rule sql.NullString
	var created string
	err := row.Scan(&c.ID, &c.Name, &contact, &rule, &c.Status, &created)
	if err != nil {
		return c, err
	}
	c.Contact = contact.String
	c.DefaultPricingRule = rule.String
	c.CreatedAt = parseTime(created)
	return c, nil
}

// CreateClient inserts a client and returns it with the assigned ID.
func (s *Session) CreateClient(c domain.Client) (domain.Client, error) {
	now := utcNow()
	res, err := s.exec(`
		INSERT INTO clients (name, contact, default_pricing_rule, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Name, nullString(c.Contact), nullString(c.DefaultPricingRule), c.Status, now)
	if err != nil {
		return c, fmt.Errorf("store: create client: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	c.CreatedAt = parseTime(now)
	return c, nil
}

// GetClient fetches one client by ID.
func (s *Session) GetClient(id int64) (domain.Client, error) {
	c, err := scanClient(s.queryRow(
		"SELECT "+clientColumns+" FROM clients WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("store: client %d: %w", id, domain.ErrNotFound)
	}
	return c, err
}

// ListClients returns clients ordered by name, optionally only active ones.
func (s *Session) ListClients(activeOnly bool) ([]domain.Client, error) {
	q := "SELECT " + clientColumns + " FROM clients"
	if activeOnly {
		q += " WHERE status = 'active'"
	}
	q += " ORDER BY name, id"

	rows, err := s.query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// UpdateClient patches mutable fields.
func (s *Session) UpdateClient(c domain.Client) error {
	res, err := s.exec(`
		UPDATE clients SET name = ?, contact = ?, default_pricing_rule = ? WHERE id = ?`,
		c.Name, nullString(c.Contact), nullString(c.DefaultPricingRule), c.ID)
	if err != nil {
		return fmt.Errorf("store: update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: client %d: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

// SetClientStatus archives or reactivates a client. Returns the previous
// status so callers can detect a noop.
func (s *Session) SetClientStatus(id int64, status domain.ClientStatus) (domain.ClientStatus, error) {
	var prev domain.ClientStatus
	err := s.queryRow("SELECT status FROM clients WHERE id = ?", id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: client %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if prev == status {
		return prev, nil
	}
	_, err = s.exec("UPDATE clients SET status = ? WHERE id = ?", status, id)
	return prev, err
}
