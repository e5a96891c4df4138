// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"fmt"
	"net/http"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/registry"
)

type userCreateRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	user, evts, err := s.store.CreateUser(r.Context(), registry.CreateUserParams{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
	}, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if users == nil {
		users = []*registry.User{}
	}
	WriteJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), r.PathValue("user_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

type userUpdateRequest struct {
	DisplayName *string `json:"display_name"`
	Email       *string `json:"email"`
	Suspended   *bool   `json:"suspended"`
}

// handleUpdateUser patches a user; suspension rides the same endpoint
// since a suspended user fails every access evaluation.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req userUpdateRequest
	if !BindJSON(w, r, &req) {
		return
	}
	user, evts, err := s.store.UpdateUser(r.Context(), r.PathValue("user_id"), registry.UpdateUserParams{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Suspended:   req.Suspended,
	}, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	evts, err := s.store.DeleteUser(r.Context(), r.PathValue("user_id"), adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	w.WriteHeader(http.StatusNoContent)
}

// handleUserGroups lists the user's transitive group closure, the same
// set the evaluator matches group policies against.
func (s *Server) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		WriteDomainError(w, err)
		return
	}
	groups, err := s.store.UserGroupClosure(r.Context(), userID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if groups == nil {
		groups = []*registry.Group{}
	}
	WriteJSON(w, http.StatusOK, groups)
}

type groupCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ParentID    *int64 `json:"parent_group_id"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupCreateRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	group, evts, err := s.store.CreateGroup(r.Context(), registry.CreateGroupParams{
		Name:        req.Name,
		Description: req.Description,
		ParentID:    req.ParentID,
	}, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusCreated, group)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if groups == nil {
		groups = []*registry.Group{}
	}
	WriteJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.store.GetGroup(r.Context(), r.PathValue("group_name"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, group)
}

type groupUpdateRequest struct {
	Description *string `json:"description"`
	ParentID    *int64  `json:"parent_group_id"`
	ClearParent bool    `json:"clear_parent"`
}

// handleUpdateGroup patches a group. Re-parenting that would close a
// membership cycle is rejected with 400.
func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupUpdateRequest
	if !BindJSON(w, r, &req) {
		return
	}
	params := registry.UpdateGroupParams{
		Description: req.Description,
		ParentID:    req.ParentID,
		SetParent:   req.ParentID != nil || req.ClearParent,
	}
	if req.ClearParent {
		params.ParentID = nil
	}

	group, evts, err := s.store.UpdateGroup(r.Context(), r.PathValue("group_name"), params, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	evts, err := s.store.DeleteGroup(r.Context(), r.PathValue("group_name"), adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.GroupMembers(r.Context(), r.PathValue("group_name"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if members == nil {
		members = []*registry.Membership{}
	}
	WriteJSON(w, http.StatusOK, members)
}

type membershipRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	groupName := r.PathValue("group_name")
	var req membershipRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	evts, err := s.store.AddMember(r.Context(), req.UserID, groupName, registry.MembershipRole(req.Role), adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("User %s added to %s", req.UserID, groupName),
	})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	groupName := r.PathValue("group_name")
	userID := r.PathValue("user_id")

	evts, err := s.store.RemoveMember(r.Context(), userID, groupName, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("User %s removed from %s", userID, groupName),
	})
}

type bulkMembershipRequest struct {
	UserIDs []string `json:"user_ids"`
	Role    string   `json:"role"`
}

// handleBulkAddMembers adds many users to one group, reporting
// per-item outcomes instead of failing the batch.
func (s *Server) handleBulkAddMembers(w http.ResponseWriter, r *http.Request) {
	groupName := r.PathValue("group_name")
	var req bulkMembershipRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	if _, err := s.store.GetGroup(r.Context(), groupName); err != nil {
		WriteDomainError(w, err)
		return
	}

	added := []string{}
	failed := []string{}
	for _, userID := range req.UserIDs {
		evts, err := s.store.AddMember(r.Context(), userID, groupName, registry.MembershipRole(req.Role), adminActor(r))
		if err != nil {
			if !errors.IsKind(err, errors.KindNotFound) && !errors.IsKind(err, errors.KindValidation) {
				WriteDomainError(w, err)
				return
			}
			failed = append(failed, userID)
			continue
		}
		s.publish(evts...)
		added = append(added, userID)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"added":   added,
		"failed":  failed,
		"message": fmt.Sprintf("Added %d users to %s", len(added), groupName),
	})
}
