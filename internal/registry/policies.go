// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
)

// === Legacy role-pair ACL rules (compiled into agent firewalls) ===

const aclColumns = `id, src_role, dst_role, port, protocol, action, priority, enabled, description, created_at`

func scanACLRule(row rowScanner) (*ACLRule, error) {
	var r ACLRule
	var enabled int
	var created int64
	if err := row.Scan(&r.ID, &r.SrcRole, &r.DstRole, &r.Port, &r.Protocol, &r.Action,
		&r.Priority, &enabled, &r.Description, &created); err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

// ACLRuleParams carries a new or updated role-pair rule.
type ACLRuleParams struct {
	SrcRole     string
	DstRole     string
	Port        int
	Protocol    string
	Action      string
	Priority    int
	Enabled     bool
	Description string
}

func (p *ACLRuleParams) normalize() error {
	p.Protocol = strings.ToLower(p.Protocol)
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Action == "" {
		p.Action = "allow"
	}
	if p.Priority == 0 {
		p.Priority = 500
	}

	if !NodeRole(p.SrcRole).Valid() {
		return invalidPolicy("unknown src_role %q", p.SrcRole)
	}
	if p.DstRole != "*" && !NodeRole(p.DstRole).Valid() {
		return invalidPolicy("unknown dst_role %q", p.DstRole)
	}
	switch p.Protocol {
	case "tcp", "udp", "icmp":
	default:
		return invalidPolicy("unknown protocol %q", p.Protocol)
	}
	switch p.Action {
	case "allow", "deny":
	default:
		return invalidPolicy("unknown action %q", p.Action)
	}
	if p.Port < 0 || p.Port > 65535 {
		return invalidPolicy("port %d out of range", p.Port)
	}
	if p.Priority < 1 || p.Priority > 1000 {
		return invalidPolicy("priority %d out of range 1-1000", p.Priority)
	}
	return nil
}

func invalidPolicy(format string, args ...any) error {
	return errors.WithCode(errors.Errorf(errors.KindValidation, format, args...), "INVALID_POLICY")
}

// CreateACLRule inserts a role-pair rule, bumps the config version and
// returns the propagation event. The (src, dst, port, protocol) tuple
// is unique.
func (s *Store) CreateACLRule(ctx context.Context, p ACLRuleParams, actor Actor) (*ACLRule, []events.Event, error) {
	if err := p.normalize(); err != nil {
		return nil, nil, err
	}

	var rule *ACLRule
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM acl_rules WHERE src_role = ? AND dst_role = ? AND port = ? AND protocol = ?`,
			p.SrcRole, p.DstRole, p.Port, p.Protocol).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindConflict, "policy %s->%s port %d/%s already exists", p.SrcRole, p.DstRole, p.Port, p.Protocol),
				"POLICY_EXISTS")
		}

		enabled := 0
		if p.Enabled {
			enabled = 1
		}
		res, err := tx.Exec(
			`INSERT INTO acl_rules (src_role, dst_role, port, protocol, action, priority, enabled, description, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.SrcRole, p.DstRole, p.Port, p.Protocol, p.Action, p.Priority, enabled, p.Description, time.Now().Unix())
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to insert policy")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		version, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "POLICY_CREATED", "policy", p.Description, "info", map[string]any{
			"policy_id": id,
			"src_role":  p.SrcRole,
			"dst_role":  p.DstRole,
			"port":      p.Port,
			"protocol":  p.Protocol,
		}); err != nil {
			return err
		}

		rule, err = scanACLRule(tx.QueryRow(`SELECT `+aclColumns+` FROM acl_rules WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.PolicyCreated, map[string]any{
			"policy_id":      id,
			"policy_type":    "acl",
			"config_version": version,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rule, evts, nil
}

// UpdateACLRuleParams holds optional rule changes; nil means keep.
type UpdateACLRuleParams struct {
	Port        *int
	Protocol    *string
	Action      *string
	Priority    *int
	Enabled     *bool
	Description *string
}

// UpdateACLRule patches a role-pair rule and bumps the config version.
func (s *Store) UpdateACLRule(ctx context.Context, id int64, p UpdateACLRuleParams, actor Actor) (*ACLRule, []events.Event, error) {
	var rule *ACLRule
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanACLRule(tx.QueryRow(`SELECT `+aclColumns+` FROM acl_rules WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return policyNotFound(id)
		}
		if err != nil {
			return err
		}

		merged := ACLRuleParams{
			SrcRole:     cur.SrcRole,
			DstRole:     cur.DstRole,
			Port:        cur.Port,
			Protocol:    cur.Protocol,
			Action:      cur.Action,
			Priority:    cur.Priority,
			Enabled:     cur.Enabled,
			Description: cur.Description,
		}
		if p.Port != nil {
			merged.Port = *p.Port
		}
		if p.Protocol != nil {
			merged.Protocol = *p.Protocol
		}
		if p.Action != nil {
			merged.Action = *p.Action
		}
		if p.Priority != nil {
			merged.Priority = *p.Priority
		}
		if p.Enabled != nil {
			merged.Enabled = *p.Enabled
		}
		if p.Description != nil {
			merged.Description = *p.Description
		}
		if err := merged.normalize(); err != nil {
			return err
		}

		enabled := 0
		if merged.Enabled {
			enabled = 1
		}
		_, err = tx.Exec(
			`UPDATE acl_rules SET port = ?, protocol = ?, action = ?, priority = ?, enabled = ?, description = ? WHERE id = ?`,
			merged.Port, merged.Protocol, merged.Action, merged.Priority, enabled, merged.Description, id)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to update policy")
		}

		version, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "POLICY_UPDATED", "policy", merged.Description, "info", map[string]any{
			"policy_id": id,
		}); err != nil {
			return err
		}

		rule, err = scanACLRule(tx.QueryRow(`SELECT `+aclColumns+` FROM acl_rules WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.PolicyUpdated, map[string]any{
			"policy_id":      id,
			"policy_type":    "acl",
			"config_version": version,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rule, evts, nil
}

// DeleteACLRule removes a role-pair rule and bumps the config version.
func (s *Store) DeleteACLRule(ctx context.Context, id int64, actor Actor) ([]events.Event, error) {
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM acl_rules WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete policy")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return policyNotFound(id)
		}

		version, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "POLICY_DELETED", "policy", "", "info", map[string]any{
			"policy_id": id,
		}); err != nil {
			return err
		}
		evts = append(evts, events.New(events.PolicyDeleted, map[string]any{
			"policy_id":      id,
			"policy_type":    "acl",
			"config_version": version,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}

func policyNotFound(id int64) error {
	return errors.WithCode(
		errors.Errorf(errors.KindNotFound, "policy with id %d not found", id),
		"POLICY_NOT_FOUND")
}

// GetACLRule fetches one role-pair rule.
func (s *Store) GetACLRule(ctx context.Context, id int64) (*ACLRule, error) {
	r, err := scanACLRule(s.db.QueryRowContext(ctx, `SELECT `+aclColumns+` FROM acl_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, policyNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get policy")
	}
	return r, nil
}

// ListACLRules returns role-pair rules sorted by priority then id.
func (s *Store) ListACLRules(ctx context.Context, enabledOnly bool) ([]*ACLRule, error) {
	q := `SELECT ` + aclColumns + ` FROM acl_rules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY priority, id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list policies")
	}
	defer rows.Close()

	var out []*ACLRule
	for rows.Next() {
		r, err := scanACLRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SeedACLRules inserts the given rules when the table is empty. Used
// on first boot so a fresh mesh starts with a sane baseline.
func (s *Store) SeedACLRules(ctx context.Context, rules []ACLRuleParams) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM acl_rules`).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to check policy table")
	}
	if count > 0 {
		return 0, nil
	}

	inserted := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		for _, p := range rules {
			p := p
			if err := p.normalize(); err != nil {
				return err
			}
			enabled := 0
			if p.Enabled {
				enabled = 1
			}
			_, err := tx.Exec(
				`INSERT INTO acl_rules (src_role, dst_role, port, protocol, action, priority, enabled, description, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.SrcRole, p.DstRole, p.Port, p.Protocol, p.Action, p.Priority, enabled, p.Description, now)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to seed policy")
			}
			inserted++
		}
		if inserted > 0 {
			if _, err := bumpVersion(tx); err != nil {
				return err
			}
			return appendAudit(tx, SystemActor, "POLICIES_SEEDED", "policy", "", "info", map[string]any{
				"count": inserted,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// DefaultSeedRules is the baseline rule set for a fresh registry:
// application servers reach the database tier, ops reaches everything
// over SSH and scrapes node metrics.
func DefaultSeedRules() []ACLRuleParams {
	return []ACLRuleParams{
		{SrcRole: "app", DstRole: "db", Port: 5432, Protocol: "tcp", Action: "allow", Priority: 100, Enabled: true, Description: "App servers to Postgres"},
		{SrcRole: "ops", DstRole: "*", Port: 22, Protocol: "tcp", Action: "allow", Priority: 100, Enabled: true, Description: "Ops SSH everywhere"},
		{SrcRole: "ops", DstRole: "*", Port: 9100, Protocol: "tcp", Action: "allow", Priority: 200, Enabled: true, Description: "Ops node metrics scrape"},
	}
}

// === Rich subject/resource policies (access evaluation) ===

const policyColumns = `id, name, subject_type, subject_id, resource_type, resource_value, action,
	priority, enabled, conditions, valid_from, valid_until, created_at, updated_at`

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var enabled int
	var conditions string
	var validFrom, validUntil sql.NullInt64
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.SubjectType, &p.SubjectID, &p.ResourceType, &p.ResourceValue,
		&p.Action, &p.Priority, &enabled, &conditions, &validFrom, &validUntil, &created, &updated); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	if conditions != "" {
		var c PolicyConditions
		if err := json.Unmarshal([]byte(conditions), &c); err == nil {
			p.Conditions = &c
		}
	}
	p.ValidFrom = unixOrNil(validFrom)
	p.ValidUntil = unixOrNil(validUntil)
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return &p, nil
}

// PolicyParams carries a new rich policy.
type PolicyParams struct {
	Name          string
	SubjectType   SubjectType
	SubjectID     string
	ResourceType  ResourceType
	ResourceValue string
	Action        PolicyAction
	Priority      int
	Enabled       bool
	Conditions    *PolicyConditions
	ValidFrom     *time.Time
	ValidUntil    *time.Time
}

func (p *PolicyParams) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalidPolicy("policy name is required")
	}
	switch p.SubjectType {
	case SubjectAll, SubjectUser, SubjectGroup:
	default:
		return invalidPolicy("unknown subject_type %q", p.SubjectType)
	}
	if p.SubjectType != SubjectAll && strings.TrimSpace(p.SubjectID) == "" {
		return invalidPolicy("subject_id is required for subject_type %q", p.SubjectType)
	}
	switch p.ResourceType {
	case ResourceDomain, ResourceIPRange, ResourceZone, ResourceService, ResourceURLPattern:
	default:
		return invalidPolicy("unknown resource_type %q", p.ResourceType)
	}
	if strings.TrimSpace(p.ResourceValue) == "" {
		return invalidPolicy("resource_value is required")
	}
	switch p.Action {
	case ActionAllow, ActionDeny, ActionRequireMFA:
	default:
		return invalidPolicy("unknown action %q", p.Action)
	}
	if p.Priority == 0 {
		p.Priority = 500
	}
	if p.Priority < 1 || p.Priority > 1000 {
		return invalidPolicy("priority %d out of range 1-1000", p.Priority)
	}
	return nil
}

func marshalConditions(c *PolicyConditions) string {
	if c == nil {
		return ""
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

// checkSubject verifies that a user/group subject resolves to a live
// row.
func checkSubject(tx *sql.Tx, subjectType SubjectType, subjectID string) error {
	switch subjectType {
	case SubjectUser:
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE user_id = ?`, subjectID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindValidation, "subject user %q does not exist", subjectID),
				"INVALID_POLICY")
		}
	case SubjectGroup:
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM user_groups WHERE name = ?`, subjectID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindValidation, "subject group %q does not exist", subjectID),
				"INVALID_POLICY")
		}
	}
	return nil
}

// CreatePolicy inserts a rich access policy. Rich policies never feed
// compiled agent config, so the config version is untouched.
func (s *Store) CreatePolicy(ctx context.Context, p PolicyParams, actor Actor) (*Policy, []events.Event, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}

	var policy *Policy
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkSubject(tx, p.SubjectType, p.SubjectID); err != nil {
			return err
		}

		enabled := 0
		if p.Enabled {
			enabled = 1
		}
		now := time.Now().Unix()
		res, err := tx.Exec(
			`INSERT INTO policies (name, subject_type, subject_id, resource_type, resource_value, action,
			   priority, enabled, conditions, valid_from, valid_until, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Name, p.SubjectType, p.SubjectID, p.ResourceType, p.ResourceValue, p.Action,
			p.Priority, enabled, marshalConditions(p.Conditions), timePtrUnix(p.ValidFrom), timePtrUnix(p.ValidUntil), now, now)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to insert policy")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if err := appendAudit(tx, actor, "POLICY_CREATED", "policy", p.Name, "info", map[string]any{
			"policy_id":    id,
			"subject_type": string(p.SubjectType),
			"action":       string(p.Action),
		}); err != nil {
			return err
		}

		policy, err = scanPolicy(tx.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.PolicyCreated, map[string]any{
			"policy_id":   id,
			"policy_type": "access",
			"name":        p.Name,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return policy, evts, nil
}

// UpdatePolicyParams holds optional rich-policy changes.
type UpdatePolicyParams struct {
	Name          *string
	ResourceValue *string
	Action        *PolicyAction
	Priority      *int
	Enabled       *bool
	Conditions    *PolicyConditions
	SetConditions bool
	ValidFrom     *time.Time
	ValidUntil    *time.Time
}

// UpdatePolicy patches a rich policy.
func (s *Store) UpdatePolicy(ctx context.Context, id int64, p UpdatePolicyParams, actor Actor) (*Policy, []events.Event, error) {
	var policy *Policy
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanPolicy(tx.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return policyNotFound(id)
		}
		if err != nil {
			return err
		}

		merged := PolicyParams{
			Name:          cur.Name,
			SubjectType:   cur.SubjectType,
			SubjectID:     cur.SubjectID,
			ResourceType:  cur.ResourceType,
			ResourceValue: cur.ResourceValue,
			Action:        cur.Action,
			Priority:      cur.Priority,
			Enabled:       cur.Enabled,
			Conditions:    cur.Conditions,
			ValidFrom:     cur.ValidFrom,
			ValidUntil:    cur.ValidUntil,
		}
		if p.Name != nil {
			merged.Name = *p.Name
		}
		if p.ResourceValue != nil {
			merged.ResourceValue = *p.ResourceValue
		}
		if p.Action != nil {
			merged.Action = *p.Action
		}
		if p.Priority != nil {
			merged.Priority = *p.Priority
		}
		if p.Enabled != nil {
			merged.Enabled = *p.Enabled
		}
		if p.SetConditions {
			merged.Conditions = p.Conditions
		}
		if p.ValidFrom != nil {
			merged.ValidFrom = p.ValidFrom
		}
		if p.ValidUntil != nil {
			merged.ValidUntil = p.ValidUntil
		}
		if err := merged.validate(); err != nil {
			return err
		}

		enabled := 0
		if merged.Enabled {
			enabled = 1
		}
		_, err = tx.Exec(
			`UPDATE policies SET name = ?, resource_value = ?, action = ?, priority = ?, enabled = ?,
			   conditions = ?, valid_from = ?, valid_until = ?, updated_at = ? WHERE id = ?`,
			merged.Name, merged.ResourceValue, merged.Action, merged.Priority, enabled,
			marshalConditions(merged.Conditions), timePtrUnix(merged.ValidFrom), timePtrUnix(merged.ValidUntil),
			time.Now().Unix(), id)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to update policy")
		}

		if err := appendAudit(tx, actor, "POLICY_UPDATED", "policy", merged.Name, "info", map[string]any{
			"policy_id": id,
		}); err != nil {
			return err
		}

		policy, err = scanPolicy(tx.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.PolicyUpdated, map[string]any{
			"policy_id":   id,
			"policy_type": "access",
			"name":        merged.Name,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return policy, evts, nil
}

// DeletePolicy removes a rich policy.
func (s *Store) DeletePolicy(ctx context.Context, id int64, actor Actor) ([]events.Event, error) {
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM policies WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete policy")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return policyNotFound(id)
		}

		if err := appendAudit(tx, actor, "POLICY_DELETED", "policy", "", "info", map[string]any{
			"policy_id": id,
		}); err != nil {
			return err
		}
		evts = append(evts, events.New(events.PolicyDeleted, map[string]any{
			"policy_id":   id,
			"policy_type": "access",
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}

// GetPolicy fetches a rich policy.
func (s *Store) GetPolicy(ctx context.Context, id int64) (*Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, policyNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get policy")
	}
	return p, nil
}

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	SubjectType  SubjectType
	ResourceType ResourceType
	EnabledOnly  bool
}

// ListPolicies returns rich policies matching the filter, sorted by
// ascending priority.
func (s *Store) ListPolicies(ctx context.Context, f PolicyFilter) ([]*Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies`
	var conds []string
	var args []any
	if f.SubjectType != "" {
		conds = append(conds, "subject_type = ?")
		args = append(args, f.SubjectType)
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.EnabledOnly {
		conds = append(conds, "enabled = 1")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY priority, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list policies")
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
