/*
botmenu.go - Bot command menu rows and the optimistic-lock config row
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/crew-ledger/domain"
)

const botCommandColumns = "id, role, command_key, telegram_command, label, description, enabled, is_core, position, command_type"

func scanBotCommand(row interface{ Scan(...any) error }) (domain.BotCommand, error) {
	var c domain.BotCommand
	var label, desc, cmdType sql.NullString
	var enabled, isCore int
	err := row.Scan(&c.ID, &c.Role, &c.CommandKey, &c.TelegramCommand,
		&label, &desc, &enabled, &isCore, &c.Position, &cmdType)
	if err != nil {
		return c, err
	}
	c.Label = label.String
	c.Description = desc.String
	c.Enabled = enabled != 0
	c.IsCore = isCore != 0
	c.CommandType = cmdType.String
	return c, nil
}

// ListBotCommands returns the menu for one role (or all roles when role is
// empty), in display order.
func (s *Session) ListBotCommands(role domain.Role) ([]domain.BotCommand, error) {
	q := "SELECT " + botCommandColumns + " FROM bot_commands"
	var args []any
	if role != "" {
		q += " WHERE role = ?"
		args = append(args, role)
	}
	q += " ORDER BY role, position, id"

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []domain.BotCommand
	for rows.Next() {
		c, err := scanBotCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// UpsertBotCommand writes one menu row keyed by (role, command_key).
// Core commands keep is_core; editors cannot clear it.
func (s *Session) UpsertBotCommand(c domain.BotCommand) error {
	_, err := s.exec(`
		INSERT INTO bot_commands (role, command_key, telegram_command, label, description, enabled, is_core, position, command_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, command_key) DO UPDATE SET
			telegram_command = excluded.telegram_command,
			label = excluded.label,
			description = excluded.description,
			enabled = excluded.enabled,
			is_core = MAX(bot_commands.is_core, excluded.is_core),
			position = excluded.position,
			command_type = excluded.command_type`,
		c.Role, c.CommandKey, c.TelegramCommand, nullString(c.Label),
		nullString(c.Description), boolInt(c.Enabled), boolInt(c.IsCore),
		c.Position, nullString(c.CommandType))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetBotMenuConfig reads the singleton config row.
func (s *Session) GetBotMenuConfig() (domain.BotMenuConfig, error) {
	var cfg domain.BotMenuConfig
	var updatedAt, updatedBy, appliedAt, appliedBy sql.NullString
	err := s.queryRow(`
		SELECT version, last_updated_at, last_updated_by, last_applied_at, last_applied_by
		FROM bot_menu_config WHERE id = 1`).
		Scan(&cfg.Version, &updatedAt, &updatedBy, &appliedAt, &appliedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, fmt.Errorf("store: bot menu config: %w", domain.ErrNotFound)
	}
	if err != nil {
		return cfg, err
	}
	cfg.LastUpdatedAt = parseTimePtr(updatedAt)
	cfg.LastUpdatedBy = updatedBy.String
	cfg.LastAppliedAt = parseTimePtr(appliedAt)
	cfg.LastAppliedBy = appliedBy.String
	return cfg, nil
}

// BumpBotMenuVersion advances the optimistic lock. The update only lands
// when the caller's version matches; a mismatch is a stale edit.
func (s *Session) BumpBotMenuVersion(haveVersion int, actor string) (int, error) {
	res, err := s.exec(`
		UPDATE bot_menu_config
		SET version = version + 1, last_updated_at = ?, last_updated_by = ?
		WHERE id = 1 AND version = ?`,
		utcNow(), actor, haveVersion)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cfg, cfgErr := s.GetBotMenuConfig()
		current := "unknown"
		if cfgErr == nil {
			current = fmt.Sprintf("version %d", cfg.Version)
		}
		return 0, &domain.StaleStateError{
			Kind: "bot_menu", Current: current,
			Wanted: fmt.Sprintf("version %d", haveVersion),
		}
	}
	return haveVersion + 1, nil
}

// MarkBotMenuApplied stamps the explicit apply-to-bot phase.
func (s *Session) MarkBotMenuApplied(actor string) error {
	_, err := s.exec(`
		UPDATE bot_menu_config SET last_applied_at = ?, last_applied_by = ? WHERE id = 1`,
		utcNow(), actor)
	return err
}
