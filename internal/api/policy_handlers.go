// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"grimm.is/flymesh/internal/engine"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/registry"
)

// Legacy role-pair rules live at /admin/policies; the rich
// subject/resource model lives under /admin/access. The two surfaces
// keep their historical response shapes.

type aclRuleCreateRequest struct {
	SrcRole     string `json:"src_role"`
	DstRole     string `json:"dst_role"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
	Enabled     *bool  `json:"enabled"`
	Description string `json:"description"`
}

func (s *Server) handleListACLRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := false
	if v := r.URL.Query().Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid enabled filter")
			return
		}
		enabledOnly = b
	}

	rules, err := s.store.ListACLRules(r.Context(), enabledOnly)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if rules == nil {
		rules = []*registry.ACLRule{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"policies": rules, "total": len(rules)})
}

func (s *Server) handleCreateACLRule(w http.ResponseWriter, r *http.Request) {
	var req aclRuleCreateRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule, evts, err := s.store.CreateACLRule(r.Context(), registry.ACLRuleParams{
		SrcRole:     req.SrcRole,
		DstRole:     req.DstRole,
		Port:        req.Port,
		Protocol:    req.Protocol,
		Action:      req.Action,
		Priority:    req.Priority,
		Enabled:     enabled,
		Description: req.Description,
	}, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetACLRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rule, err := s.store.GetACLRule(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

type aclRuleUpdateRequest struct {
	Port        *int    `json:"port"`
	Protocol    *string `json:"protocol"`
	Action      *string `json:"action"`
	Priority    *int    `json:"priority"`
	Enabled     *bool   `json:"enabled"`
	Description *string `json:"description"`
}

func (s *Server) handleUpdateACLRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req aclRuleUpdateRequest
	if !BindJSON(w, r, &req) {
		return
	}

	rule, evts, err := s.store.UpdateACLRule(r.Context(), id, registry.UpdateACLRuleParams{
		Port:        req.Port,
		Protocol:    req.Protocol,
		Action:      req.Action,
		Priority:    req.Priority,
		Enabled:     req.Enabled,
		Description: req.Description,
	}, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteACLRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	evts, err := s.store.DeleteACLRule(r.Context(), id, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	w.WriteHeader(http.StatusNoContent)
}

// Rich policy model.

type policyCreateRequest struct {
	Name          string                     `json:"name"`
	SubjectType   string                     `json:"subject_type"`
	SubjectID     string                     `json:"subject_id"`
	ResourceType  string                     `json:"resource_type"`
	ResourceValue string                     `json:"resource_value"`
	Action        string                     `json:"action"`
	Priority      int                        `json:"priority"`
	Enabled       *bool                      `json:"enabled"`
	Conditions    *registry.PolicyConditions `json:"conditions"`
	ValidFrom     *time.Time                 `json:"valid_from"`
	ValidUntil    *time.Time                 `json:"valid_until"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyCreateRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	policy, evts, err := s.store.CreatePolicy(r.Context(), registry.PolicyParams{
		Name:          req.Name,
		SubjectType:   registry.SubjectType(req.SubjectType),
		SubjectID:     req.SubjectID,
		ResourceType:  registry.ResourceType(req.ResourceType),
		ResourceValue: req.ResourceValue,
		Action:        registry.PolicyAction(req.Action),
		Priority:      req.Priority,
		Enabled:       enabled,
		Conditions:    req.Conditions,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
	}, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"
	policies, err := s.store.ListPolicies(r.Context(), registry.PolicyFilter{
		SubjectType:  registry.SubjectType(r.URL.Query().Get("subject_type")),
		ResourceType: registry.ResourceType(r.URL.Query().Get("resource_type")),
		EnabledOnly:  !includeDisabled,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if policies == nil {
		policies = []*registry.Policy{}
	}
	WriteJSON(w, http.StatusOK, policies)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	policy, err := s.store.GetPolicy(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, policy)
}

type policyUpdateRequest struct {
	Name          *string                    `json:"name"`
	ResourceValue *string                    `json:"resource_value"`
	Action        *string                    `json:"action"`
	Priority      *int                       `json:"priority"`
	Enabled       *bool                      `json:"enabled"`
	Conditions    *registry.PolicyConditions `json:"conditions"`
	ValidFrom     *time.Time                 `json:"valid_from"`
	ValidUntil    *time.Time                 `json:"valid_until"`
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req policyUpdateRequest
	if !BindJSON(w, r, &req) {
		return
	}

	params := registry.UpdatePolicyParams{
		Name:          req.Name,
		ResourceValue: req.ResourceValue,
		Priority:      req.Priority,
		Enabled:       req.Enabled,
		Conditions:    req.Conditions,
		SetConditions: req.Conditions != nil,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
	}
	if req.Action != nil {
		action := registry.PolicyAction(*req.Action)
		params.Action = &action
	}

	policy, evts, err := s.store.UpdatePolicy(r.Context(), id, params, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusOK, policy)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	evts, err := s.store.DeletePolicy(r.Context(), id, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	w.WriteHeader(http.StatusNoContent)
}

// Access evaluation, the zero-trust decision point.

type evaluateRequest struct {
	UserID        string `json:"user_id"`
	ResourceType  string `json:"resource_type"`
	ResourceValue string `json:"resource_value"`
	DeviceType    string `json:"device_type"`
	ClientIP      string `json:"client_ip"`
	ViaVPN        bool   `json:"via_vpn"`
}

func (s *Server) handleEvaluateAccess(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	decision, err := s.evaluateAccess(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, decision)
}

// handleQuickDomainCheck is the one-line variant of evaluate for
// domain resources.
func (s *Server) handleQuickDomainCheck(w http.ResponseWriter, r *http.Request) {
	decision, err := s.evaluateAccess(r.Context(), evaluateRequest{
		UserID:        r.PathValue("user_id"),
		ResourceType:  string(registry.ResourceDomain),
		ResourceValue: r.PathValue("domain"),
		DeviceType:    r.URL.Query().Get("device_type"),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, decision)
}

// evaluateAccess resolves the user's group closure and runs the
// policy engine. A missing or suspended user denies outright rather
// than erroring; the endpoint answers the access question either way.
func (s *Server) evaluateAccess(ctx context.Context, req evaluateRequest) (engine.Decision, error) {
	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return engine.Decision{Action: registry.ActionDeny, Reason: "user not found"}, nil
		}
		return engine.Decision{}, err
	}
	if user.Suspended {
		return engine.Decision{Action: registry.ActionDeny, Reason: "user is suspended"}, nil
	}

	groups, err := s.store.UserGroupClosure(ctx, req.UserID)
	if err != nil {
		return engine.Decision{}, err
	}
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}

	policies, err := s.store.ListPolicies(ctx, registry.PolicyFilter{EnabledOnly: true})
	if err != nil {
		return engine.Decision{}, err
	}

	return engine.Evaluate(policies, engine.AccessRequest{
		UserID:        req.UserID,
		Groups:        names,
		ResourceType:  registry.ResourceType(req.ResourceType),
		ResourceValue: req.ResourceValue,
		Context: engine.AccessContext{
			DeviceType: req.DeviceType,
			ClientIP:   req.ClientIP,
			ViaVPN:     req.ViaVPN,
		},
	}), nil
}

// Policy templates.

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"templates": engine.Templates()})
}

type instantiateRequest struct {
	Template      string `json:"template"`
	PolicyName    string `json:"policy_name"`
	SubjectType   string `json:"subject_type"`
	SubjectID     string `json:"subject_id"`
	ResourceType  string `json:"resource_type"`
	ResourceValue string `json:"resource_value"`
	Priority      int    `json:"priority"`
}

// handleInstantiateTemplate expands a template into a concrete policy
// and stores it.
func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	var req instantiateRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}

	params, err := engine.Instantiate(engine.InstantiateParams{
		Template:      req.Template,
		PolicyName:    req.PolicyName,
		SubjectType:   registry.SubjectType(req.SubjectType),
		SubjectID:     req.SubjectID,
		ResourceType:  registry.ResourceType(req.ResourceType),
		ResourceValue: req.ResourceValue,
		Priority:      req.Priority,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	policy, evts, err := s.store.CreatePolicy(r.Context(), params, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusCreated, policy)
}
